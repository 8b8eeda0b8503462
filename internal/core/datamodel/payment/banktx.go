package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BankTransaction keeps a verbatim copy of raw bank-ledger webhook payloads
// (reference code, transfer amount, direction), whether or not they matched a
// Payment. This is the manual-reconciliation trail for stray transfers.
type BankTransaction struct {
	ID              int64           `gorm:"primaryKey"`
	Gateway         string          `gorm:"column:gateway;not null"`
	TransactionDate time.Time       `gorm:"column:transaction_date"`
	AccountNumber   string          `gorm:"column:account_number"`
	SubAccount      string          `gorm:"column:sub_account"`
	AmountIn        decimal.Decimal `gorm:"column:amount_in;type:decimal(20,2);default:0"`
	AmountOut       decimal.Decimal `gorm:"column:amount_out;type:decimal(20,2);default:0"`
	Accumulated     decimal.Decimal `gorm:"column:accumulated;type:decimal(20,2);default:0"`
	Code            string          `gorm:"column:code"`
	Content         string          `gorm:"column:transaction_content"`
	ReferenceNumber string          `gorm:"column:reference_number;index"`
	Body            json.RawMessage `gorm:"column:body;type:jsonb"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
}

func (BankTransaction) TableName() string {
	return "bank_transactions"
}

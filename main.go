package main

import "github.com/nhatpham/payment-service/cmd"

func main() {
	cmd.Execute()
}

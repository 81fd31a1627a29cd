package main

import "github.com/halcyonpay/ilpd/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/adloom/go-adloom/services/gateway/cli"

func main() {
	cli.Execute()
}

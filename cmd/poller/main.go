package main

import "github.com/adloom/go-adloom/services/poller/cli"

func main() {
	cli.Execute()
}

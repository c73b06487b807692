package main

import "github.com/adloom/go-adloom/services/notifier/cli"

func main() {
	cli.Execute()
}

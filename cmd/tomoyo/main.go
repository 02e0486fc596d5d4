package main

import "github.com/tomoyo-network/tomoyo/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/evalgate/engine/internal/cli"

func main() {
	cli.Execute()
}

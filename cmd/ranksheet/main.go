package main

import "ranksheet-engine/internal/cli"

func main() {
	cli.Execute()
}

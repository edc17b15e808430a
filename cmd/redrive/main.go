package main

import "github.com/vietddude/redrive/internal/cli"

func main() {
	cli.Execute()
}

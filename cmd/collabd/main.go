package main

import "github.com/inkwell-cms/collab/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/canopy-network/ethy/cmd/cli"

func main() {
	cli.Execute()
}

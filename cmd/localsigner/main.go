package main

import (
	"os"

	"github.com/aegis-sign/localsigner/cmd/localsigner/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/marmos91/fedcore/cmd/fedcore/commands"
)

func main() {
	os.Exit(commands.Execute())
}

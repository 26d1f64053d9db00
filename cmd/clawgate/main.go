// Command clawgate is the session gateway daemon and its terminal client.
package main

import (
	"os"

	"github.com/jholhewres/clawgate/cmd/clawgate/commands"
)

var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}

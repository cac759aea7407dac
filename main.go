package main

import (
	"os"

	"grimm.is/portguard/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

package main

import (
	"os"

	"carenotes/cmd/auditctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

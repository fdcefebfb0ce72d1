// Command simpleaide is the command-line entry point.
package main

import (
	"os"

	"github.com/Iron-Ham/simpleaide/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

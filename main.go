// The repo-census executable.
package main

import (
	"os"

	"github.com/JakeFAU/repo-census/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main provides the vera CLI.
package main

import (
	"os"

	"github.com/lyntrann/VeRA-plus/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

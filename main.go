package main

import (
	"os"

	"github.com/zsprackett/tabsync/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

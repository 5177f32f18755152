package main

import (
	"os"

	"github.com/iepathos/rustle-deploy/cmd/rustle-deployd/cmd"
	"github.com/iepathos/rustle-deploy/pkg/rdlog"
)

func main() {
	defer rdlog.Get().Sync()

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main is the entry point for the Gafaelfawr server and its
// operational subcommands.
package main

import (
	"os"

	"github.com/lsst-sqre/gafaelfawr/cmd/gafaelfawr/app"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main is the entry point for the fieldsync daemon and CLI.
package main

import (
	"os"

	"github.com/kimhsiao/fieldsync/cmd/syncd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

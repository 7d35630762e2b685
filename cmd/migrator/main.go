// Package main provides the database migration CLI for eventsink.
//
// The migrations are embedded in the binary, so the tool needs nothing but a reachable
// database. It connects with the same DB_* variables as the server unless DATABASE_URL
// or --database-url names another database.
package main

import (
	"os"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	if err := newRootCmd(openRunner, os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

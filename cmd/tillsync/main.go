// Command tillsync manages the local point-of-sale database and its sync
// with the back office.
package main

import (
	"context"
	"os"

	"github.com/roach88/tillsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

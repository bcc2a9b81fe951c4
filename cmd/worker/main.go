// Command worker runs the scheduler without the HTTP API.
package main

import (
	"context"
	"os"

	"ingest-queue/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), append([]string{"worker"}, os.Args[1:]...)))
}

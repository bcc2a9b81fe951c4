// Command api serves the ingestion HTTP API together with the scheduler.
package main

import (
	"context"
	"os"

	"ingest-queue/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), append([]string{"serve"}, os.Args[1:]...)))
}

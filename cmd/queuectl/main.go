package main

import (
	"context"
	"os"

	"ingest-queue/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:]))
}

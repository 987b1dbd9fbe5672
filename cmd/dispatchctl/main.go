package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/example/driver-dispatch/internal/cli"
)

func main() {
	_ = godotenv.Load()
	if err := cli.BuildCLI(cli.PostgresOpener).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl:", err)
		os.Exit(1)
	}
}

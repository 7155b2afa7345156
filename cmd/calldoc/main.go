package main

import (
	"context"
	"os"

	"github.com/tacos8me/calldoc/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

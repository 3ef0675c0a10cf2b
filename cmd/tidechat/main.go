package main

import (
	"context"
	"fmt"
	"os"

	"tidechat/cmd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tidechat:", err)
		os.Exit(1)
	}
}

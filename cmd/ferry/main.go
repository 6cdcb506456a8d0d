package main

import (
	"fmt"
	"os"

	"github.com/ferryd/ferry/cli"
)

func main() {
	err := cli.Root().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

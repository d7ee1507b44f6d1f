// Package main is the entry point for the device-side upgrade agent.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	cli := NewCLI()
	root := cli.GetRootCommand()

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Command yieldloopd serves the cooperative scheduling demo.
package main

import (
	"fmt"
	"os"

	"github.com/joeycumines/go-yieldloop/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "yieldloopd:", err)
		os.Exit(1)
	}
}

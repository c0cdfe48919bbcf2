package main

import (
	"fmt"
	"os"

	"github.com/XiaoCRQ/Competitive-Remote/relay/internal/cmd"
)

var version = "dev"

func main() {
	if err := cmd.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

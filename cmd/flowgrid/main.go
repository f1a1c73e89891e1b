package main

import (
	"fmt"
	"os"

	"github.com/petrijr/flowgrid/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowgrid:", err)
		os.Exit(1)
	}
}

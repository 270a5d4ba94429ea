package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/d3keep/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "d3keep: %v\n", err)
		os.Exit(1)
	}
}

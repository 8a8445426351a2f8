package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// Interrupted runs already reported their state; stay quiet.
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "chronicle:", err)
		}
		os.Exit(1)
	}
}

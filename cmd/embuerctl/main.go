package main

import (
	"fmt"
	"os"

	"github.com/embuer/embuer/internal/client"
)

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	// Negative codes wrap to their low byte, as a C caller would see them.
	os.Exit(client.ExitCode(err) & 0xff)
}

// Package main is the entry point for the rigctl CLI.
package main

import (
	"fmt"
	"log"
	"os"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rigctl: %v\n", err)
		os.Exit(1)
	}
}

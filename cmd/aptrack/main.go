// Command aptrack is an offline-first client for an Archipelago room tracker.
//
// Every read is served from a local SQLite cache that is refreshed from the
// tracker service when it is reachable. When it is not, commands fall back
// to the cached data and say so.
package main

import (
	"fmt"
	"os"
)

func main() {
	err := rootCmd.Execute()
	rt.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Command remotecache operates on a cache repository directly: ingest and
// read blobs, fetch external resources, move content between nodes as CAR
// archives and clean up abandoned temp files.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

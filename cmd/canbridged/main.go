// Command canbridged bridges a CAN/CAN-FD bus to TCP clients speaking the
// frame wire protocol (spec.md §1).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

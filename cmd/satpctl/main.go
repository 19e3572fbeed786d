package main

import (
	"fmt"
	"os"

	"github.com/louisbranch/satp-gateway/internal/tools/satpctl"
)

func main() {
	if err := satpctl.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "satpctl:", err)
		os.Exit(1)
	}
}

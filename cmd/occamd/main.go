// Command occamd runs the OCCAM compliance orchestration kernel.
package main

import (
	"fmt"
	"os"

	"github.com/occam/orchestration-kernel/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "occamd: initialization failed: %v\n", err)
		os.Exit(1)
	}

	if err := application.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "occamd: start failed: %v\n", err)
		os.Exit(1)
	}

	if err := application.WaitForShutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "occamd: shutdown error: %v\n", err)
		os.Exit(1)
	}
}

// Command worker runs the event processors, the retry scheduler and the
// webhook delivery workers.
package main

import (
	"os"

	"github.com/liamcoop/loyaltyrules/internal/logger"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

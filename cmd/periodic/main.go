package main

import (
	"context"
	"os"

	appLog "periodic/internal/log"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		appLog.Error("periodic failed", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Overridden at build time via -ldflags "-X main.commit=<sha>".
var commit = "none"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("%s %s (commit %s, %s %s/%s)\n",
				appName, version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

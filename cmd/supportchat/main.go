package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "supportchat",
	Short:         "Customer support chat service with streamed assistant replies",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.Version = version
	rootCmd.AddCommand(serveCmd, migrateCmd, askCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		rootCmd.PrintErrln("error:", err)
		os.Exit(1)
	}
}

// Recall is a caching reverse proxy for LLM inference servers. It
// deduplicates identical generation requests and replays stored
// completions, topping up from the upstream engine only when a request
// wants more samples than the cache holds.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "recall",
		Short:   "Caching reverse proxy for LLM inference servers",
		Version: version,
	}

	root.AddCommand(newStartCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

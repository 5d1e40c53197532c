package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const serviceName = "search-engine"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   serviceName,
		Short: "Find a value inside binary messages under every encoding it may take",
		Long: `search-engine expands a reference value (text, integer, raw bytes,
IPv4 address or bit field) into its known encodings and reports every
bit-level position where any of them occurs in a message.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and NATS search service",
		RunE:  runServe, // serve.go
	}

	searchCmd = &cobra.Command{
		Use:   "search",
		Short: "Search one payload from flags, a file or stdin",
		RunE:  runSearch, // cli.go
	}

	encodingsCmd = &cobra.Command{
		Use:   "encodings",
		Short: "List mutation labels per value kind",
		RunE:  runEncodings, // cli.go
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show the most recent recorded runs",
		RunE:  runHistory, // cli.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SEARCH_CONFIG"), "path to the YAML config file")

	searchCmd.Flags().StringVarP(&searchKind, "kind", "k", "text", "value kind: text, int, raw, ipv4, bits")
	searchCmd.Flags().StringVarP(&searchValue, "value", "v", "", "reference value literal")
	searchCmd.Flags().StringVar(&searchHex, "payload-hex", "", "payload as hex")
	searchCmd.Flags().StringVar(&searchB64, "payload-b64", "", "payload as base64")
	searchCmd.Flags().StringVarP(&searchFile, "file", "f", "", "payload file, - for stdin")
	searchCmd.Flags().BoolVarP(&searchAnnotate, "annotate", "a", false, "highlight matches in the payload")
	searchCmd.Flags().StringSliceVarP(&searchEncodings, "encodings", "e", nil, "restrict to these mutation labels")
	searchCmd.Flags().StringVar(&searchStrategy, "strategy", "", "override the match strategy: kmp, naive, automaton")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print the full response as JSON")
	searchCmd.Flags().StringVar(&searchNATS, "nats", "", "send the search to a running service at this NATS URL")
	searchCmd.Flags().DurationVar(&searchTimeout, "timeout", 10*time.Second, "reply timeout for --nats")
	_ = searchCmd.MarkFlagRequired("value")

	encodingsCmd.Flags().StringVarP(&encodingsKind, "kind", "k", "", "only this kind")

	historyCmd.Flags().IntVarP(&historyN, "limit", "n", 20, "number of runs")
	historyCmd.Flags().StringVar(&historyStore, "store", "", "history directory, overrides store.path")

	rootCmd.AddCommand(serveCmd, searchCmd, encodingsCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

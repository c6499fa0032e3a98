package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cronos-sentinel/sdk/go/sentinel"
)

type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
	output  string
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		var apiErr *sentinel.APIError
		if errors.As(err, &apiErr) && len(apiErr.Metadata) > 0 {
			meta, _ := json.Marshal(apiErr.Metadata)
			fmt.Fprintf(os.Stderr, "details: %s\n", meta)
		}
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "sentinelctl",
		Short:         "Operate the settlement sentinel",
		Long:          "Runs paid settlements, applies agents, records payments and inspects history against a sentineld API.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("SENTINEL_URL", "http://localhost:8080"), "sentineld API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("SENTINEL_TOKEN"), "operator bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", sentinel.DefaultHTTPTimeout, "request timeout")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newAgentsCmd(opts),
		newRunCmd(opts),
		newApplyCmd(opts),
		newPayCmd(opts),
		newHistoryCmd(opts),
		newAICmd(opts),
	)
	return root
}

func (o *globalOptions) client() *sentinel.Client {
	return sentinel.NewClient(o.server, sentinel.WithToken(o.token), sentinel.WithTimeout(o.timeout))
}

// render 输出 JSON，或调用 text 打印人类可读格式。
func (o *globalOptions) render(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	switch strings.ToLower(o.output) {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "", "text":
		text(cmd.OutOrStdout())
		return nil
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Package cli implements auditorctl, the operator tool for a running auditor.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	baseURL       string
	adminToken    string
	webhookSecret string
	timeout       time.Duration
	jsonOutput    bool
}

// NewRootCmd builds a fresh command tree. Flags default to the AUDITOR_*
// environment variables.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "auditorctl",
		Short: "auditorctl - operate a Sentinel Auditor deployment",
		Long: `auditorctl talks to a running Sentinel Auditor: it inspects ban state and
audit traces, issues manual pardons, submits test events and runs trace store
migrations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.baseURL, "url", envOr("AUDITOR_URL", "http://localhost:8080"), "auditor base URL")
	pf.StringVar(&opts.adminToken, "token", os.Getenv("AUDITOR_ADMIN_TOKEN"), "operator bearer token")
	pf.StringVar(&opts.webhookSecret, "webhook-secret", os.Getenv("SUPABASE_WEBHOOK_SECRET"), "webhook signing secret")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	pf.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		newStatusCmd(opts),
		newActorCmd(opts),
		newTraceCmd(opts),
		newPardonCmd(opts),
		newUnthrottleCmd(opts),
		newSubmitCmd(opts),
		newMigrateCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

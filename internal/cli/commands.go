package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/trace"
	"github.com/ocx/sentinel-auditor/internal/webhooks"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show auditor health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var health map[string]any
			code, err := newClient(opts).do(ctx, http.MethodGet, "/health", nil, nil, &health, http.StatusServiceUnavailable)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if err := outputJSON(out, health); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Status:      %v\n", health["status"])
				fmt.Fprintf(out, "Redis:       %v\n", health["redis"])
				if depth, ok := health["queue_depth"]; ok {
					fmt.Fprintf(out, "Queue depth: %v\n", depth)
				}
				if breakers, ok := health["breakers"].(map[string]any); ok {
					names := make([]string, 0, len(breakers))
					for name := range breakers {
						names = append(names, name)
					}
					sort.Strings(names)
					for _, name := range names {
						fmt.Fprintf(out, "  breaker %-20s %v\n", name, breakers[name])
					}
				}
			}
			if code != http.StatusOK {
				return fmt.Errorf("auditor unhealthy")
			}
			return nil
		},
	}
}

type actorView struct {
	ActorID    string `json:"actor_id"`
	State      string `json:"state"`
	Value      string `json:"value"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Strikes    int64  `json:"strikes"`
}

func newActorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "actor <actor-id>",
		Short: "Show an actor's ban state and strike count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var v actorView
			if _, err := newClient(opts).do(ctx, http.MethodGet, "/api/v1/actors/"+url.PathEscape(args[0]), nil, nil, &v); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return outputJSON(out, v)
			}
			fmt.Fprintf(out, "Actor:   %s\n", v.ActorID)
			fmt.Fprintf(out, "State:   %s\n", v.State)
			if v.Value != "" {
				fmt.Fprintf(out, "Value:   %s\n", v.Value)
			}
			if v.TTLSeconds > 0 {
				fmt.Fprintf(out, "Expires: in %s\n", time.Duration(v.TTLSeconds)*time.Second)
			}
			fmt.Fprintf(out, "Strikes: %d\n", v.Strikes)
			return nil
		},
	}
}

func newTraceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <event-id>",
		Short: "Print the audit trace of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var t core.Trace
			if _, err := newClient(opts).do(ctx, http.MethodGet, "/api/v1/traces/"+url.PathEscape(args[0]), nil, nil, &t); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return outputJSON(out, t)
			}
			fmt.Fprintf(out, "Event %s  actor=%s  received=%s\n", t.EventID, t.ActorID, t.ReceivedAt.Format(time.RFC3339))
			for _, rec := range t.Stages {
				output, _ := json.Marshal(rec.Output)
				fmt.Fprintf(out, "  %-12s %-10s %s\n", rec.Stage, rec.Status, output)
			}
			return nil
		},
	}
}

func newPardonCmd(opts *options) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "pardon <actor-id>",
		Short: "Lift an actor's ban, including a confirmed one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.adminToken == "" {
				return fmt.Errorf("--token (or AUDITOR_ADMIN_TOKEN) is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			body, err := json.Marshal(map[string]string{"reason": reason})
			if err != nil {
				return err
			}
			c := newClient(opts)
			var resp map[string]any
			if _, err := c.do(ctx, http.MethodPost, "/api/v1/actors/"+url.PathEscape(args[0])+"/pardon", body, c.bearer(), &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return outputJSON(out, resp)
			}
			fmt.Fprintf(out, "%s: %v\n", args[0], resp["action"])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the pardon")
	return cmd
}

func newUnthrottleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "unthrottle <actor-id>",
		Short: "Clear an actor's rate-limit window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.adminToken == "" {
				return fmt.Errorf("--token (or AUDITOR_ADMIN_TOKEN) is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			c := newClient(opts)
			var resp map[string]any
			if _, err := c.do(ctx, http.MethodDelete, "/api/v1/actors/"+url.PathEscape(args[0])+"/rate-limit", nil, c.bearer(), &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return outputJSON(out, resp)
			}
			fmt.Fprintf(out, "%s: rate limit %v\n", args[0], resp["rate_limit"])
			return nil
		},
	}
}

func newSubmitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <event.json|->",
		Short: "Sign and submit an event to the audit webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.webhookSecret == "" {
				return fmt.Errorf("--webhook-secret (or SUPABASE_WEBHOOK_SECRET) is required")
			}

			var payload []byte
			var err error
			if args[0] == "-" {
				payload, err = io.ReadAll(cmd.InOrStdin())
			} else {
				payload, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}
			if !json.Valid(payload) {
				return fmt.Errorf("event is not valid JSON")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			headers := map[string]string{
				webhooks.HeaderSignature: "sha256=" + webhooks.SignPayload(payload, opts.webhookSecret),
			}
			var resp map[string]any
			if _, err := newClient(opts).do(ctx, http.MethodPost, "/webhook/audit", payload, headers, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return outputJSON(out, resp)
			}
			if resp["status"] == "ignored" {
				fmt.Fprintf(out, "ignored: %v\n", resp["reason"])
				return nil
			}
			fmt.Fprintf(out, "accepted %v\n", resp["event_id"])
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate <up|down|status|version|redo|up-to|down-to> [version]",
		Short: "Run trace store migrations against PostgreSQL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn (or TRACE_POSTGRES_DSN) is required")
			}
			db, err := trace.OpenPostgres(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			return trace.Migrate(cmd.Context(), db, args[0], args[1:]...)
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", envOr("TRACE_POSTGRES_DSN", os.Getenv("DATABASE_URL")), "PostgreSQL DSN")
	return cmd
}

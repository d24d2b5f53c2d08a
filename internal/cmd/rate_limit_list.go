package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/postqueue/postqueue/internal/core"
	"github.com/postqueue/postqueue/internal/core/store"
	"github.com/postqueue/postqueue/internal/output"
)

var (
	rateLimitListAll    bool
	rateLimitListPrefix string
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rate limit windows persisted in the store",
	Long: `List the rate limit windows persisted in the libsql store.

Only populated when governor.backend is "store". Use "rate-limit status" for
the live view through the configured backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		query := store.RateLimitQuery{
			All:    rateLimitListAll,
			Prefix: strings.TrimSpace(rateLimitListPrefix),
		}
		if !query.All && query.Prefix == "" {
			query.All = true
		}

		entries, err := db.ListRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}

		sink, err := openCommandSink(cmd, format, "rate-limit.list")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if format == output.FormatJSON {
			payload, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(sink.writer, string(payload))
			return err
		}

		return writeRateLimitBox(sink.writer, entries, time.Now().UTC())
	},
}

func writeRateLimitBox(w io.Writer, entries []store.RateLimitEntry, now time.Time) error {
	lines := []string{"Rate Limits", ""}
	if len(entries) == 0 {
		lines = append(lines, "(no stored rate limit state)")
	}
	for _, entry := range entries {
		lines = append(lines, rateLimitLine(entry.Platform, entry.State, now))
	}
	_, err := fmt.Fprint(w, ascii.DrawBox(strings.Join(lines, "\n"), 0))
	return err
}

func rateLimitLine(platform core.Platform, state core.RateLimitState, now time.Time) string {
	reset := "-"
	if state.ResetAt.After(now) {
		reset = state.ResetAt.UTC().Format(time.RFC3339)
	}
	last429 := "-"
	if state.Last429At != nil {
		last429 = state.Last429At.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s: remaining=%d/%d reset_at=%s last_429=%s",
		platform, state.Remaining, state.Limit, reset, last429)
}

func init() {
	addOutputFlags(rateLimitListCmd)
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List all platforms")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List platforms with matching prefix")
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomdb/loom/internal/loom"
)

// NewLogCommand creates the log command.
func NewLogCommand(opts *RootOptions) *cobra.Command {
	var branch string
	var types []string
	var limit int
	var reverse bool

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show a branch's visible records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ses, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer ses.close()

			if branch == "" {
				branch = ses.store.CurrentBranch().Name
			}
			page, err := ses.store.QueryBranch(branch, loom.QueryOptions{
				Types:   types,
				Limit:   limit,
				Reverse: reverse,
			})
			if err != nil {
				return storeError(opts, cmd, err)
			}

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			if opts.Format == "json" {
				type entry struct {
					ID       string `json:"id"`
					Sequence uint64 `json:"sequence"`
					Type     string `json:"type"`
					Payload  string `json:"payload"`
					Time     string `json:"time"`
				}
				entries := make([]entry, 0, len(page.Records))
				for _, r := range page.Records {
					entries = append(entries, entry{
						ID:       string(r.ID),
						Sequence: uint64(r.Sequence),
						Type:     r.Type,
						Payload:  string(r.Payload),
						Time:     formatMicros(r.Timestamp),
					})
				}
				return f.Success(map[string]any{
					"branch":   branch,
					"records":  entries,
					"has_more": page.HasMore,
				})
			}

			for _, r := range page.Records {
				fmt.Fprintf(cmd.OutOrStdout(), "%6d  %-16s  %s  %s\n",
					uint64(r.Sequence), r.Type, formatMicros(r.Timestamp), string(r.Payload))
			}
			if page.HasMore {
				fmt.Fprintln(cmd.OutOrStdout(), "...")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&branch, "branch", "b", "", "branch to read (default: current)")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "filter by record type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum records to show")
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "newest first")
	return cmd
}

func formatMicros(us int64) string {
	return time.UnixMicro(us).UTC().Format(time.RFC3339)
}

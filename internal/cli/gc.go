package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewGCCommand creates the gc command.
func NewGCCommand(opts *RootOptions) *cobra.Command {
	var pins []string

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Collect unreachable records",
		Long:  "Mark-and-sweep over the record arena. Records reachable from any branch head, plus pinned IDs, survive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ses, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}

			res, err := ses.store.Collect(cmd.Context(), toRecordIDs(pins))
			if err != nil {
				ses.close()
				return storeError(opts, cmd, err)
			}
			if err := ses.flush(cmd.Context()); err != nil {
				return err
			}

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			if opts.Format == "json" {
				return f.Success(map[string]any{
					"scanned": res.Scanned,
					"live":    res.Live,
					"removed": res.Removed,
				})
			}
			return f.Success(fmt.Sprintf("scanned %d, live %d, removed %d", res.Scanned, res.Live, res.Removed))
		},
	}

	cmd.Flags().StringSliceVar(&pins, "pin", nil, "record IDs to keep regardless of reachability")
	return cmd
}

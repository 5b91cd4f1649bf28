package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ses, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer ses.close()

			st := ses.store.Stats()
			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			if opts.Format == "json" {
				return f.Success(st)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "records:      %d\n", st.RecordCount)
			fmt.Fprintf(&sb, "branches:     %d\n", st.BranchCount)
			fmt.Fprintf(&sb, "blobs:        %d\n", st.BlobCount)
			fmt.Fprintf(&sb, "state slots:  %d\n", st.StateSlotCount)
			fmt.Fprintf(&sb, "checkpoints:  %d\n", st.CheckpointCount)
			fmt.Fprintf(&sb, "total bytes:  %d\n", st.TotalSizeBytes)
			fmt.Fprintf(&sb, "blob bytes:   %d\n", st.BlobSizeBytes)
			fmt.Fprint(cmd.OutOrStdout(), sb.String())
			return nil
		},
	}
}

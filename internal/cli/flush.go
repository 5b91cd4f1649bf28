package cli

import (
	"github.com/spf13/cobra"
)

// NewFlushCommand creates the flush command.
func NewFlushCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Persist the store to disk",
		Long:  "Force a save of the record log and branch forest. Mutating commands save on exit; flush exists for recovery after an interrupted run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ses, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := ses.flush(cmd.Context()); err != nil {
				return err
			}
			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			return f.Success("flushed")
		},
	}
}

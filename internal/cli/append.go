package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomdb/loom/internal/loom"
)

// NewAppendCommand creates the append command.
func NewAppendCommand(opts *RootOptions) *cobra.Command {
	var branch string
	var recordType string
	var causedBy []string
	var linkedTo []string

	cmd := &cobra.Command{
		Use:   "append <payload-json>",
		Short: "Append a record",
		Long:  "Append a record with a JSON payload to a branch (default: current).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(args[0])
			if !json.Valid(payload) {
				return WrapExitError(ExitCommandError, "payload is not valid JSON", nil)
			}

			ses, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}

			in := loom.RecordInput{
				Type:     recordType,
				Payload:  payload,
				Encoding: loom.EncodingJSON,
				CausedBy: toRecordIDs(causedBy),
				LinkedTo: toRecordIDs(linkedTo),
			}
			var r *loom.Record
			if branch == "" {
				r, err = ses.store.Append(in)
			} else {
				r, err = ses.store.AppendTo(branch, in)
			}
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
					"id":       string(r.ID),
					"sequence": uint64(r.Sequence),
				})
			}
			return f.Success(fmt.Sprintf("appended %s at seq %d", r.ID, uint64(r.Sequence)))
		},
	}

	cmd.Flags().StringVarP(&branch, "branch", "b", "", "target branch (default: current)")
	cmd.Flags().StringVarP(&recordType, "type", "t", "event", "record type")
	cmd.Flags().StringSliceVar(&causedBy, "caused-by", nil, "record IDs this record was caused by")
	cmd.Flags().StringSliceVar(&linkedTo, "linked-to", nil, "record IDs this record soft-links to")
	return cmd
}

func toRecordIDs(ss []string) []loom.RecordID {
	if len(ss) == 0 {
		return nil
	}
	out := make([]loom.RecordID, len(ss))
	for i, s := range ss {
		out[i] = loom.RecordID(s)
	}
	return out
}

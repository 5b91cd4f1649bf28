package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomdb/loom/internal/loom"
)

// NewBranchCommand creates the branch command group.
func NewBranchCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches",
	}
	cmd.AddCommand(newBranchListCommand(opts))
	cmd.AddCommand(newBranchCreateCommand(opts))
	cmd.AddCommand(newBranchSwitchCommand(opts))
	cmd.AddCommand(newBranchDeleteCommand(opts))
	return cmd
}

// branchInfo is the JSON shape for one branch.
type branchInfo struct {
	Name        string `json:"name"`
	Head        uint64 `json:"head"`
	Parent      string `json:"parent,omitempty"`
	BranchPoint uint64 `json:"branch_point,omitempty"`
	Current     bool   `json:"current,omitempty"`
}

func newBranchListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			ses, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer ses.close()

			current := ses.store.CurrentBranch()
			byID := make(map[loom.BranchID]loom.Branch)
			branches := ses.store.Branches()
			for _, b := range branches {
				byID[b.ID] = b
			}

			infos := make([]branchInfo, 0, len(branches))
			for _, b := range branches {
				info := branchInfo{
					Name:        b.Name,
					Head:        uint64(b.Head),
					BranchPoint: uint64(b.BranchPoint),
					Current:     b.ID == current.ID,
				}
				if p, ok := byID[b.Parent]; ok && !b.IsRoot() {
					info.Parent = p.Name
				}
				infos = append(infos, info)
			}

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			if opts.Format == "json" {
				return f.Success(infos)
			}
			var sb strings.Builder
			for _, info := range infos {
				marker := " "
				if info.Current {
					marker = "*"
				}
				if info.Parent != "" {
					fmt.Fprintf(&sb, "%s %s (head=%d, from %s@%d)\n",
						marker, info.Name, info.Head, info.Parent, info.BranchPoint)
				} else {
					fmt.Fprintf(&sb, "%s %s (head=%d)\n", marker, info.Name, info.Head)
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), sb.String())
			return nil
		},
	}
}

func newBranchCreateCommand(opts *RootOptions) *cobra.Command {
	var from string
	var at uint64
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Fork a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ses, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}

			var atPtr *loom.Sequence
			if cmd.Flags().Changed("at") {
				seq := loom.Sequence(at)
				atPtr = &seq
			}
			b, err := ses.store.CreateBranch(args[0], from, atPtr)
			if err != nil {
				ses.close()
				return storeError(opts, cmd, err)
			}
			if err := ses.flush(cmd.Context()); err != nil {
				return err
			}

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			return f.Success(fmt.Sprintf("created branch %s at %d", b.Name, uint64(b.BranchPoint)))
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "parent branch (default: current)")
	cmd.Flags().Uint64Var(&at, "at", 0, "fork at this sequence (default: parent head)")
	return cmd
}

func newBranchSwitchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <name>",
		Short: "Change the current branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ses, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			b, err := ses.store.SwitchBranch(args[0])
			if err != nil {
				ses.close()
				return storeError(opts, cmd, err)
			}
			if err := ses.flush(cmd.Context()); err != nil {
				return err
			}
			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			return f.Success("switched to " + b.Name)
		},
	}
}

func newBranchDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ses, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := ses.store.DeleteBranch(args[0]); err != nil {
				ses.close()
				return storeError(opts, cmd, err)
			}
			if err := ses.flush(cmd.Context()); err != nil {
				return err
			}
			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			return f.Success("deleted " + args[0])
		},
	}
}

// storeError renders a typed store error and maps it to an exit code.
func storeError(opts *RootOptions, cmd *cobra.Command, err error) error {
	code := loom.CodeOf(err)
	if code == "" {
		return WrapExitError(ExitCommandError, "store operation", err)
	}
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	f.Error(string(code), err.Error(), nil)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return &ExitError{Code: ExitFailure, Message: err.Error(), Err: err}
}

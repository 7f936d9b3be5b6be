package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"countersync/internal/engine"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the cached counter snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := api.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printSnapshot(cmd.OutOrStdout(), resp)
		return nil
	},
}

func printSnapshot(w io.Writer, resp *engine.SnapshotResponse) {
	s := resp.Snapshot
	if !s.Valid && resp.LastValid.Valid {
		fmt.Fprintln(w, "Last fetch failed; showing last valid snapshot.")
		s = resp.LastValid
	}
	fmt.Fprintf(w, "Scope:        %s\n", scopeLabel(resp.GroupID))
	fmt.Fprintf(w, "Unread:       %d (total %d)\n", s.UnreadMessages, s.TotalUnreadMessages)
	fmt.Fprintf(w, "Undone:       %d\n", s.UndoneTasks)
	fmt.Fprintf(w, "Expired:      %d\n", s.Headline(resp.GroupID))
	if resp.GroupID != 0 {
		fmt.Fprintf(w, "Group tasks:  %d\n", s.GroupComments)
	} else {
		fmt.Fprintf(w, "All tasks:    %d\n", s.TotalComments)
	}
	if s.LastUpdate.IsZero() {
		fmt.Fprintln(w, "Updated:      never")
	} else {
		fmt.Fprintf(w, "Updated:      %s\n", s.LastUpdate.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Valid:        %t\n", s.Valid)
	fmt.Fprintf(w, "Engaged:      %t\n", resp.Engaged)
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Invalidate the cache so the next tick fetches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api.Refresh(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Refresh scheduled")
		return nil
	},
}

var scopeCmd = &cobra.Command{
	Use:   "scope",
	Short: "Show or change the group scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := api.Scope(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scope: %s\n", scopeLabel(id))
		return nil
	},
}

var scopeSetCmd = &cobra.Command{
	Use:   "set <group-id>",
	Short: "Select a group by numeric ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseGroupID(args[0])
		if err != nil {
			return err
		}
		got, err := api.SetScope(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scope: %s\n", scopeLabel(got))
		return nil
	},
}

var scopeClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Switch back to all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api.ClearScope(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Scope: all")
		return nil
	},
}

// parseGroupID accepts a positive 32-bit group ID.
func parseGroupID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid group ID %q: must be a positive number", s)
	}
	return uint32(n), nil
}

var engagedCmd = &cobra.Command{
	Use:       "engaged <on|off>",
	Short:     "Mark the user as actively working (alerts become advisory)",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var engaged bool
		switch args[0] {
		case "on", "true", "1":
			engaged = true
		case "off", "false", "0":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		if err := api.SetEngaged(cmd.Context(), engaged); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Engaged: %t\n", engaged)
		return nil
	},
}

func init() {
	scopeCmd.AddCommand(scopeSetCmd)
	scopeCmd.AddCommand(scopeClearCmd)
}

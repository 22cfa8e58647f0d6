package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/embuer/embuer/internal/update"
	"github.com/embuer/embuer/internal/ws"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current update status",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), st, formatStatus(st))
		},
	}
}

func newBootInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "boot-info",
		Short: "Show the booted and the current deployment",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			info, err := c.BootInfo(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), info, formatBootInfo(info))
		},
	}
}

func newInstallFileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "install-file <path>",
		Short: "Install the update archive at path on the device",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			msg, err := c.InstallFromFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), ws.MessageResponse{Message: msg}, msg)
		},
	}
}

func newInstallURLCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "install-url <url>",
		Short: "Download and install the update archive at url",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			msg, err := c.InstallFromURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), ws.MessageResponse{Message: msg}, msg)
		},
	}
}

func newPendingUpdateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending-update",
		Short: "Show the update awaiting confirmation",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			p, err := c.PendingUpdate(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), p, formatPending(p))
		},
	}
}

func newConfirmCmd(opts *options, use string, accept bool) *cobra.Command {
	short := "Accept the pending update"
	if !accept {
		short = "Reject the pending update"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			msg, err := c.Confirm(cmd.Context(), accept)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), ws.MessageResponse{Message: msg}, msg)
		},
	}
}

func formatStatus(st update.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase:    %s\n", st.Phase)
	if st.Details != "" {
		fmt.Fprintf(&b, "Details:  %s\n", st.Details)
	}
	if st.HasProgress() {
		fmt.Fprintf(&b, "Progress: %d%%\n", st.Progress)
	}
	if st.Pending != nil {
		fmt.Fprintf(&b, "Pending:  %s from %s\n", st.Pending.Version, st.Pending.Source)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatBootInfo(info ws.BootInfoResponse) string {
	boot := info.Deployment
	if boot == "" {
		boot = "(none)"
	}
	current := info.Current
	if current == "" {
		current = "(none)"
	}
	return fmt.Sprintf("Booted:  %s\nCurrent: %s", boot, current)
}

func formatPending(p update.PendingUpdate) string {
	return fmt.Sprintf("Version: %s\nSource:  %s\n\n%s", p.Version, p.Source, strings.TrimSpace(p.Changelog))
}

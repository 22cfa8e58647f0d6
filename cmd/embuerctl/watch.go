package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/embuer/embuer/internal/client"
	"github.com/embuer/embuer/internal/tui/app"
	"github.com/embuer/embuer/internal/update"
)

func newWatchCmd(opts *options) *cobra.Command {
	var (
		poll  time.Duration
		retry bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every status change until interrupted",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if poll < 0 {
				return usageError(fmt.Errorf("--poll must not be negative, got %s", poll))
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printer := newStatusPrinter(cmd.OutOrStdout(), opts)
			switch {
			case poll > 0:
				err = c.Poll(ctx, poll, printer.print)
			case retry:
				err = c.WatchWithRetry(ctx, printer.print, func(err error, d time.Duration) {
					fmt.Fprintf(cmd.ErrOrStderr(), "watch lost (%v), reconnecting in %s\n", err, d.Round(time.Millisecond))
				})
			default:
				err = c.Watch(ctx, printer.print)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 0, "poll the status at this interval instead of streaming it")
	cmd.Flags().BoolVar(&retry, "retry", false, "reconnect with backoff when the stream is lost")
	return cmd
}

// statusPrinter prints statuses and announces each confirmation episode
// once.
type statusPrinter struct {
	w    io.Writer
	opts *options
	edge client.EdgeDetector
}

func newStatusPrinter(w io.Writer, opts *options) *statusPrinter {
	return &statusPrinter{w: w, opts: opts}
}

func (p *statusPrinter) print(st update.Status) {
	if p.opts.json {
		p.opts.print(p.w, st, "")
		return
	}
	line := fmt.Sprintf("[%d] %s", st.Seq, st.Phase)
	if st.HasProgress() {
		line += fmt.Sprintf(" %d%%", st.Progress)
	}
	if st.Details != "" {
		line += ": " + st.Details
	}
	fmt.Fprintln(p.w, line)

	if p.edge.Observe(st) && st.Pending != nil {
		fmt.Fprintf(p.w, "Update %s is awaiting confirmation; run 'embuerctl accept' or 'embuerctl reject'\n", st.Pending.Version)
	}
}

func newMonitorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Interactive monitor with confirmation prompts",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			p := tea.NewProgram(app.New(c), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		},
	}
}

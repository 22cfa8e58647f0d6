package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/embuer/embuer/internal/client"
	"github.com/embuer/embuer/internal/logging"
)

type options struct {
	addr     string
	json     bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "embuerctl",
		Short:         "Control the embuer update service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Init(opts.logLevel, logging.Console); err != nil {
				return usageError(err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", client.DefaultAddr, "service address, unix:///path or tcp://host:port")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print results as JSON")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "client log level")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	root.AddCommand(
		newStatusCmd(opts),
		newBootInfoCmd(opts),
		newInstallFileCmd(opts),
		newInstallURLCmd(opts),
		newPendingUpdateCmd(opts),
		newConfirmCmd(opts, "accept", true),
		newConfirmCmd(opts, "reject", false),
		newWatchCmd(opts),
		newMonitorCmd(opts),
		newVerifyCmd(opts),
	)
	return root
}

// usageError marks err as a caller mistake so it maps to the invalid
// argument exit code.
func usageError(err error) error {
	return &client.Error{Kind: client.InvalidArgument, Op: "usage", Err: err}
}

// exactArgs is cobra.ExactArgs with the invalid argument exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

func (o *options) client() (*client.Client, error) {
	return client.New(o.addr)
}

// print writes v as JSON when --json is set and as text otherwise.
func (o *options) print(w io.Writer, v any, text string) error {
	if !o.json {
		_, err := fmt.Fprintln(w, text)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

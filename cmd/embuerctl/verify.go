package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/embuer/embuer/internal/client"
	"github.com/embuer/embuer/internal/installer"
)

type verifyResult struct {
	Archive     string `json:"archive"`
	Version     string `json:"version"`
	PayloadSize int64  `json:"payload_size"`
	Changelog   string `json:"changelog"`
}

func newVerifyCmd(opts *options) *cobra.Command {
	var pubkey string
	cmd := &cobra.Command{
		Use:   "verify <archive>",
		Short: "Check an update archive's signature without installing it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := installer.LoadPublicKey(pubkey)
			if err != nil {
				return usageError(err)
			}
			f, err := os.Open(args[0])
			if err != nil {
				return usageError(err)
			}
			defer f.Close()

			m, err := installer.VerifyArchive(f, pub)
			if err != nil {
				return &client.Error{Kind: client.Runtime, Op: "verify", Err: err}
			}

			res := verifyResult{Archive: args[0], Version: m.Version, PayloadSize: m.PayloadSize, Changelog: m.Changelog}
			text := fmt.Sprintf("%s: signature OK\nVersion: %s\nPayload: %d bytes", args[0], m.Version, m.PayloadSize)
			return opts.print(cmd.OutOrStdout(), res, text)
		},
	}
	cmd.Flags().StringVar(&pubkey, "pubkey", "/etc/embuer/pubkey.pem", "PEM encoded RSA public key")
	return cmd
}

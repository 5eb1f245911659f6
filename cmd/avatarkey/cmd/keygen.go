package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/avatarkey/internal/util"
)

const keygenBytes = 32

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print fresh hex signing and encryption keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeKeys(cmd.OutOrStdout())
	},
}

func writeKeys(w io.Writer) error {
	signing, err := util.RandomHex(keygenBytes)
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	encryption, err := util.RandomHex(keygenBytes)
	if err != nil {
		return fmt.Errorf("generating encryption key: %w", err)
	}
	fmt.Fprintf(w, "AVATARKEY_SIGNING_KEY=%s\n", signing)
	fmt.Fprintf(w, "AVATARKEY_ENCRYPTION_KEY=%s\n", encryption)
	return nil
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

package cmd

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/avatarkey/grant"
	"github.com/jmcleod/avatarkey/internal/config"
	"github.com/jmcleod/avatarkey/internal/util"
	"github.com/jmcleod/avatarkey/unlock"
)

var (
	grantSigningKey string
	grantScope      string
	grantSubject    string
	grantTTL        time.Duration
)

var errInvalidGrant = errors.New("invalid grant")

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Inspect and mint unlock grants offline",
}

var grantVerifyCmd = &cobra.Command{
	Use:   "verify TOKEN",
	Short: "Verify a grant and print its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := offlineSigner()
		if err != nil {
			return err
		}
		err = verifyGrant(cmd.OutOrStdout(), signer, args[0], time.Now())
		if errors.Is(err, errInvalidGrant) {
			cmd.SilenceErrors = true
		}
		return err
	},
}

var grantIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint a grant without the unlock password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := offlineSigner()
		if err != nil {
			return err
		}
		token, g, err := signer.IssueGrant(grantSubject, grantScope, grantTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "grant %s expires %s\n", g.ID, g.ExpiresAt.UTC().Format(time.RFC3339))
		return nil
	},
}

// offlineSigner builds a signer from --signing-key or, failing that, the
// configured signing key.
func offlineSigner() (*grant.Signer, error) {
	var key []byte
	if grantSigningKey != "" {
		k, err := hex.DecodeString(strings.TrimSpace(grantSigningKey))
		if err != nil {
			return nil, fmt.Errorf("--signing-key is not valid hex")
		}
		key = k
	} else {
		cfg, err := config.Load(configPath, os.Getenv)
		if err != nil {
			return nil, err
		}
		if key, err = cfg.SigningKey(); err != nil {
			return nil, err
		}
	}
	defer util.WipeBytes(key)
	return grant.NewSigner(key)
}

type grantOutput struct {
	Valid       bool   `json:"valid"`
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Scope       string `json:"scope,omitempty"`
	IssuedAt    string `json:"issued_at"`
	ExpiresAt   string `json:"expires_at"`
	RemainingMS int64  `json:"remaining_ms"`
}

func verifyGrant(w io.Writer, signer *grant.Signer, token string, now time.Time) error {
	g, err := signer.VerifyGrant(strings.TrimSpace(token))
	if err != nil {
		fmt.Fprintln(w, "invalid")
		return errInvalidGrant
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(grantOutput{
		Valid:       true,
		ID:          g.ID,
		Subject:     g.SubjectID,
		Scope:       g.ScopeID,
		IssuedAt:    g.IssuedAt.UTC().Format(time.RFC3339),
		ExpiresAt:   g.ExpiresAt.UTC().Format(time.RFC3339),
		RemainingMS: g.Remaining(now).Milliseconds(),
	})
}

func init() {
	rootCmd.AddCommand(grantCmd)
	grantCmd.AddCommand(grantVerifyCmd, grantIssueCmd)
	grantCmd.PersistentFlags().StringVar(&grantSigningKey, "signing-key", "", "Hex signing key (defaults to the configured key)")
	grantIssueCmd.Flags().StringVar(&grantScope, "scope", "", "Bind the grant to one avatar ID")
	grantIssueCmd.Flags().StringVar(&grantSubject, "subject", unlock.DefaultSubject, "Subject recorded in the grant")
	grantIssueCmd.Flags().DurationVar(&grantTTL, "ttl", unlock.DefaultTTL, "Grant lifetime")
}

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jaranetwork/fepy-backend/internal/config"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/signing/xmldsig"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage issuer signing credentials",
}

var credentialSealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Encrypt a PKCS#12 password for the issuers table",
	Long: `Read a credential password from stdin and print it sealed with
CREDENTIAL_MASTER_KEY. Store the output in issuers.credential_secret.

Example:
  printf '%s' "$PFX_PASSWORD" | fepyctl credential seal`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := xmldsig.ParseMasterKey(config.Load().CredentialMasterKey)
		if err != nil {
			return err
		}
		password, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		sealed, err := xmldsig.SealSecret(key, password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(credentialCmd)
	credentialCmd.AddCommand(credentialSealCmd)
}

func readSecret(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.New("empty password on stdin")
	}
	return []byte(line), nil
}

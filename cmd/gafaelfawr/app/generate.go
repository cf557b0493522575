package app

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// issuerKeyBits is the modulus size for generated RS256 signing keys.
const issuerKeyBits = 2048

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate an RSA signing key for the internal token issuer",
	Long: `Generate a new RSA private key in PEM form, suitable for the
issuer.key_file setting. The key is written to standard output.`,
	RunE: runGenerateKey,
}

var generateTokenCmd = &cobra.Command{
	Use:   "generate-token",
	Short: "Generate a random token in wire form",
	Long: `Generate a fresh opaque token and print its wire form. Useful for
the bootstrap_token setting.`,
	RunE: runGenerateToken,
}

func runGenerateKey(cmd *cobra.Command, _ []string) error {
	key, err := rsa.GenerateKey(rand.Reader, issuerKeyBits)
	if err != nil {
		return fmt.Errorf("generating RSA key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding RSA key: %w", err)
	}
	return pem.Encode(cmd.OutOrStdout(), &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	})
}

func runGenerateToken(cmd *cobra.Command, _ []string) error {
	tok, err := token.New()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok.String())
	return nil
}

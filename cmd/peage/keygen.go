package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecgard/peage/internal/config"
	"github.com/alecgard/peage/internal/custody"
	"github.com/alecgard/peage/internal/settlement"
	"github.com/spf13/cobra"
)

var keygenOrg string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a wallet keypair",
	Long:  "Generates an ed25519 keypair and prints the address. With --org the seed is sealed under that organization's envelope key (requires the master key); without it the raw seed is printed in hex.",
	RunE:  runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOrg, "org", "", "seal the seed for this organization")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	addr, err := settlement.AddressFromPublicKey(pub)
	if err != nil {
		return err
	}

	out := map[string]string{"address": addr.String()}

	seed := priv.Seed()
	defer custody.Zero(seed)
	defer custody.Zero(priv)

	if keygenOrg != "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cust, err := custody.New(cfg.Custody.MasterKey)
		if err != nil {
			return fmt.Errorf("custody master key: %w", err)
		}
		blob, err := cust.Encrypt(seed, keygenOrg)
		if err != nil {
			return err
		}
		out["org_id"] = keygenOrg
		out["encrypted_key"] = blob
	} else {
		out["seed_hex"] = hex.EncodeToString(seed)
		fmt.Fprintln(os.Stderr, "warning: raw seed printed, handle with care")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// luckdropctl queries a running engine over its HTTP side endpoints and
// performs offline cosigner key operations.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/spf13/cobra"

	"github.com/me-foundation/luckdrop"
	"github.com/me-foundation/luckdrop/client"
)

var serverURL string

func amt(atoms uint64) string {
	return dcrutil.Amount(atoms).String()
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var rootCmd = &cobra.Command{
	Use:           "luckdropctl",
	Short:         "Query and manage a luckdrop engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the engine balance counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		qc := client.NewQueryClient(serverURL)
		l, err := qc.Ledger(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("treasury:  %s\n", amt(l.TreasuryAtoms))
		fmt.Printf("commits:   %s\n", amt(l.CommitAtoms))
		fmt.Printf("protocol:  %s\n", amt(l.ProtocolAtoms))
		fmt.Printf("total:     %s\n", amt(l.TotalAtoms))
		fmt.Printf("records:   %d\n", l.Commits)
		if l.Halted {
			fmt.Println("status:    HALTED")
		}
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit <id|digest>",
	Short: "Show one commit record by id or hex digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		qc := client.NewQueryClient(serverURL)
		if id, err := strconv.ParseUint(args[0], 10, 64); err == nil {
			rec, err := qc.Commit(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(rec)
		}
		rec, err := qc.CommitByDigest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var cosignersCmd = &cobra.Command{
	Use:   "cosigners",
	Short: "List the cosigner set and activation state",
	RunE: func(cmd *cobra.Command, args []string) error {
		qc := client.NewQueryClient(serverURL)
		set, err := qc.Cosigners(cmd.Context())
		if err != nil {
			return err
		}
		for key, active := range set {
			state := "inactive"
			if active {
				state = "active"
			}
			fmt.Printf("%s  %s\n", key, state)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent engine events",
	RunE: func(cmd *cobra.Command, args []string) error {
		qc := client.NewQueryClient(serverURL)
		evs, err := qc.Events(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(evs)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen <file>",
	Short: "Generate a cosigner key and write it to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client.GenerateSigner(nil)
		if err != nil {
			return err
		}
		if err := s.SaveKey(args[0]); err != nil {
			return err
		}
		fmt.Printf("pubkey: %s\n", s.PubKeyHex())
		return nil
	},
}

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey <keyfile>",
	Short: "Print the compressed public key for a cosigner key file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client.LoadSigner(args[0], nil)
		if err != nil {
			return err
		}
		fmt.Println(s.PubKeyHex())
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <keyfile> <digest-hex>",
	Short: "Sign a 32-byte digest with a cosigner key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client.LoadSigner(args[0], nil)
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("decode digest: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("digest is %d bytes, want 32", len(raw))
		}
		var digest [32]byte
		copy(digest[:], raw)
		sig := s.SignDigest(digest)
		fmt.Println(hex.EncodeToString(sig))
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover <digest-hex> <sig-hex>",
	Short: "Recover the signer pubkey from a compact signature",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := hex.DecodeString(args[0])
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("bad digest")
		}
		sig, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("decode signature: %w", err)
		}
		var digest [32]byte
		copy(digest[:], raw)
		signer, err := luckdrop.RecoverSigner(digest, sig)
		if err != nil {
			return err
		}
		fmt.Printf("signer: %x\n", signer)
		fmt.Printf("draw:   %d\n", luckdrop.DrawFromSignature(sig))
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s",
		"http://127.0.0.1:8222", "Engine HTTP base URL")
	rootCmd.AddCommand(ledgerCmd, commitCmd, cosignersCmd, eventsCmd,
		keygenCmd, pubkeyCmd, signCmd, recoverCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword is swapped in tests the way the teacher's config command
// swaps it, so a non-interactive confirmation path never blocks on a real
// terminal.
var readPassword = term.ReadPassword

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a challenge-token / PII-digest secret",
	Long: `Generates a random 32-byte secret suitable for BOTSENTRY_CHALLENGE_TOKEN_SECRET
or BOTSENTRY_PII_DIGEST_SECRET. With --confirm it re-prompts and checks an
operator-supplied secret matches before printing it back hex-encoded, the way an
operator pastes a value generated elsewhere into both places.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(secret))
			return nil
		}

		fmt.Print("Enter secret: ")
		first, err := readPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return err
		}
		fmt.Print("Confirm secret: ")
		second, err := readPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return err
		}
		if string(first) != string(second) {
			return fmt.Errorf("secrets do not match")
		}
		fmt.Println(hex.EncodeToString(first))
		return nil
	},
}

func init() {
	keygenCmd.Flags().Bool("confirm", false, "prompt twice for an operator-supplied secret instead of generating one")
}

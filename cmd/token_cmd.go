package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/debugprobe/internal/config"
	"github.com/nextlevelbuilder/debugprobe/internal/crypto"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the Hub token stored in the OS keyring",
	}
	cmd.AddCommand(tokenSetCmd())
	cmd.AddCommand(tokenDeleteCmd())
	cmd.AddCommand(tokenSealCmd())
	return cmd
}

func tokenSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [token]",
		Short: "Store the Hub token for this device (reads stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				token = line
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return config.ErrNoToken
			}
			if err := config.StoreToken(cfg.DeviceID(), token); err != nil {
				return err
			}
			fmt.Printf("Token stored for device %s.\n", cfg.DeviceID())
			if !cfg.Hub.TokenFromKeyring {
				fmt.Println("Set hub.token_from_keyring: true in the config to use it.")
			}
			return nil
		},
	}
}

func tokenDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored Hub token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.DeleteToken(cfg.DeviceID()); err != nil {
				return err
			}
			fmt.Printf("Token removed for device %s.\n", cfg.DeviceID())
			return nil
		},
	}
}

func tokenSealCmd() *cobra.Command {
	var newKey bool
	cmd := &cobra.Command{
		Use:   "seal <token>",
		Short: "Print a sealed token for hub.token, opened at runtime with $" + config.SecretKeyEnv,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv(config.SecretKeyEnv)
			if newKey {
				k, err := crypto.NewKey()
				if err != nil {
					return err
				}
				key = k
				fmt.Fprintf(os.Stderr, "%s=%s\n", config.SecretKeyEnv, key)
			}
			if key == "" {
				return fmt.Errorf("%s is not set; pass --new-key to generate one", config.SecretKeyEnv)
			}
			box, err := crypto.NewBox(key)
			if err != nil {
				return err
			}
			sealed, err := box.Seal(args[0])
			if err != nil {
				return err
			}
			fmt.Println(sealed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&newKey, "new-key", false, "generate a key and print it to stderr")
	return cmd
}

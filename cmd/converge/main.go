package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/converge/internal/auth"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "converge",
		Short:         "Bidirectional calendar sync engine",
		Long:          "converge keeps calendars on multiple providers in step: agents report locally observed changes, the engine resolves conflicts and fans the winning versions out to everyone else.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(initKeysCmd())
	return cmd
}

func initKeysCmd() *cobra.Command {
	var keysFile string
	var environment string

	cmd := &cobra.Command{
		Use:   "init-keys",
		Short: "Generate an API key for an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := auth.InitKeysFile(keysFile, environment)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n%s key: %s\n", keysFile, environment, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file path (default: CONVERGE_KEYS_FILE or ./converge.keys.yaml)")
	cmd.Flags().StringVar(&environment, "environment", "", "environment the key grants access to (required)")
	_ = cmd.MarkFlagRequired("environment")
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockberries/gutsberry/privval"
)

var keysDir string

func init() {
	keysCmd.AddCommand(keysGenCmd)
	keysCmd.AddCommand(keysShowCmd)
	keysCmd.PersistentFlags().StringVar(&keysDir, "dir", ".", "Directory holding the key files")
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage validator keys",
}

var keysGenCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a new validator key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, statePath := keyFiles(keysDir)
		if _, err := os.Stat(keyPath); err == nil {
			return fmt.Errorf("%s already exists", keyPath)
		}
		if err := os.MkdirAll(keysDir, 0o700); err != nil {
			return err
		}
		pv, err := privval.GenerateFilePV(keyPath, statePath)
		if err != nil {
			return err
		}
		fmt.Println(pv.PubKey().String())
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public key of a validator key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, statePath := keyFiles(keysDir)
		if _, err := os.Stat(keyPath); err != nil {
			return err
		}
		pv, err := privval.NewFilePV(keyPath, statePath)
		if err != nil {
			return err
		}
		fmt.Println(pv.PubKey().String())
		return nil
	},
}

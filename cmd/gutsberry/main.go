// Command gutsberry runs and inspects gutsberry consensus networks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockberries/gutsberry/logging"
)

var log = logging.Base()

var (
	logLevel string
	logJSON  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")

	rootCmd.AddCommand(genesisCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(devnetCmd)
	rootCmd.AddCommand(runCmd)
}

var rootCmd = &cobra.Command{
	Use:          "gutsberry",
	Short:        "BFT consensus for the guts code collaboration network",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(lvl)
		if logJSON {
			log.SetJSONFormatter()
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

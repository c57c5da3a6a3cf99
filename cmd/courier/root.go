package courier

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - a multi-network messaging bridge for AI agents",
	Long:  "Courier connects AI agents to messaging networks: a supervisor manages per-network adapters, normalizes inbound traffic, and routes replies back to where the conversation lives.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.courier/courier.toml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pairCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of Courier",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("courier v%s\n", version)
	},
}

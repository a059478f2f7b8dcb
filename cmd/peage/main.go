package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "peage",
	Short: "Agent payments and custody service",
	Long:  "Péage meters AI agent requests with pay-per-request settlement and holds agent wallets in custody, enforcing spending limits, daily budgets, and recipient allowlists.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/peage.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

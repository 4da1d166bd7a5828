package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trustgate",
	Short: "Trustgate, a trust-aware request gateway",
	Long:  "Trustgate sits between agents and the paid providers they call, ranking providers by trust, routing requests with fallback, settling payments, and enforcing plans, budgets and rate limits.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/trustgate.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	principal  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "smei",
		Short:         "SME Insight - CSV metrics ingestion and insights",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&g.principal, "principal", "p", os.Getenv("SMEI_PRINCIPAL"), "principal id the data belongs to (or set SMEI_PRINCIPAL)")

	rootCmd.AddCommand(validateCmd(g))
	rootCmd.AddCommand(ingestCmd(g))
	rootCmd.AddCommand(sourcesCmd(g))
	rootCmd.AddCommand(archiveCmd(g))
	rootCmd.AddCommand(tenantIDCmd())
	rootCmd.AddCommand(askCmd(g))

	return rootCmd
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dvloznov/smeinsight/internal/app"
	"github.com/dvloznov/smeinsight/internal/config"
	"github.com/dvloznov/smeinsight/internal/domain"
	"github.com/dvloznov/smeinsight/internal/ingest"
	"github.com/dvloznov/smeinsight/internal/logger"
	"github.com/dvloznov/smeinsight/internal/pipeline"
	"github.com/dvloznov/smeinsight/internal/tenant"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var errPrincipalRequired = errors.New("--principal is required (or set SMEI_PRINCIPAL)")

func (g *globalFlags) requirePrincipal() (string, error) {
	p := strings.TrimSpace(g.principal)
	if p == "" {
		return "", errPrincipalRequired
	}
	return p, nil
}

// openApp loads configuration and builds the application. Logs go to stderr
// so that command output stays clean.
func (g *globalFlags) openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}

func validateCmd(g *globalFlags) *cobra.Command {
	var (
		asJSON    bool
		maxErrors int
	)

	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check CSV files without storing anything",
		Long: `Run the upload checks on local CSV files and report accepted rows and
row errors. Nothing is written to the store.

Examples:
  smei validate sales.csv
  smei validate q1.csv q2.csv --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			orch := ingest.NewOrchestrator(cfg.Upload.MaxFileBytes)
			out := cmd.OutOrStdout()

			type report struct {
				Path   string               `json:"path"`
				Result *domain.UploadResult `json:"result,omitempty"`
				Error  string               `json:"error,omitempty"`
			}

			var (
				reports  []report
				rejected int
			)
			for _, path := range args {
				res, err := validateFile(orch, path)
				r := report{Path: path, Result: res}
				if err != nil {
					rejected++
					r.Error = err.Error()
				}
				reports = append(reports, r)

				if asJSON {
					continue
				}
				if err != nil {
					printRejection(out, path, err)
					continue
				}
				fmt.Fprintf(out, "%s: %d of %d rows accepted\n", path, len(res.AcceptedRows), res.TotalRowCount)
				printRowErrors(out, res.Errors, maxErrors)
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			}

			if rejected > 0 {
				return fmt.Errorf("%d of %d files rejected", rejected, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	cmd.Flags().IntVar(&maxErrors, "max-errors", 20, "row errors to print per file (0 for all)")
	return cmd
}

func validateFile(orch *ingest.Orchestrator, path string) (*domain.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return orch.ProcessReader(filepath.Base(path), f)
}

func printRejection(w io.Writer, path string, err error) {
	var uerr *ingest.UploadError
	if !errors.As(err, &uerr) {
		fmt.Fprintf(w, "%s: %v\n", path, err)
		return
	}
	fmt.Fprintf(w, "%s: rejected (%s) %s\n", path, uerr.Kind, uerr.Message)
	if uerr.Hint != "" {
		fmt.Fprintf(w, "  hint: %s\n", uerr.Hint)
	}
	printRowErrors(w, uerr.Errors, 0)
}

func printRowErrors(w io.Writer, errs []domain.ValidationError, limit int) {
	for i, e := range errs {
		if limit > 0 && i == limit {
			fmt.Fprintf(w, "  ... and %d more\n", len(errs)-limit)
			return
		}
		fmt.Fprintf(w, "  %s\n", e.Message)
	}
}

func ingestCmd(g *globalFlags) *cobra.Command {
	var sourceType string

	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Validate CSV files and store their accepted rows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := g.requirePrincipal()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			bar := progressbar.NewOptions(len(args),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("Ingesting files..."),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(cmd.ErrOrStderr())
				}),
			)

			type outcome struct {
				path string
				res  *pipeline.IngestResult
				err  error
			}
			outcomes := make([]outcome, 0, len(args))
			failed := 0

			for _, path := range args {
				res, err := ingestFile(ctx, a, principal, path, sourceType)
				if err != nil {
					failed++
				}
				outcomes = append(outcomes, outcome{path: path, res: res, err: err})
				_ = bar.Add(1)
			}

			for _, o := range outcomes {
				if o.err != nil {
					printRejection(out, o.path, o.err)
					continue
				}
				s := o.res.Submit
				fmt.Fprintf(out, "%s: %d metrics created from %d rows (%d rejected, %d failed to store), data source %s\n",
					o.path, s.MetricsCreated, o.res.Upload.TotalRowCount,
					o.res.Upload.TotalRowCount-len(o.res.Upload.AcceptedRows),
					s.Summary.FailedRows, s.DataSourceID)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceType, "type", pipeline.DefaultDataSourceType, "data source type recorded with each upload")
	return cmd
}

func ingestFile(ctx context.Context, a *app.App, principal, path, sourceType string) (*pipeline.IngestResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return a.Service.IngestFile(ctx, principal, filepath.Base(path), content, sourceType)
}

func sourcesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the principal's uploads, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := g.requirePrincipal()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sources, err := a.Service.DataSources(ctx, principal)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sources) == 0 {
				fmt.Fprintln(out, "No data sources.")
				return nil
			}
			for _, ds := range sources {
				synced := "never"
				if ds.LastSyncAt != nil {
					synced = ds.LastSyncAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%s  %-30s  %-6s  %6d rows  synced %s\n", ds.ID, ds.Name, ds.Type, ds.RowCount, synced)
			}
			return nil
		},
	}
}

func archiveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "archive FILE",
		Short: "Upload a raw CSV file to the archive bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := g.requirePrincipal()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Config.Archive.Bucket == "" {
				return errors.New("archive bucket is not configured (set SMEI_ARCHIVE_BUCKET)")
			}

			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			uri, err := a.Archiver.Archive(ctx, tenant.DeriveID(principal), filepath.Base(args[0]), content)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Archived %s to %s\n", args[0], uri)
			return nil
		},
	}
}

func tenantIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tenant-id PRINCIPAL",
		Short: "Print the tenant id derived from a principal id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal := strings.TrimSpace(args[0])
			if principal == "" {
				return tenant.ErrEmptyPrincipal
			}
			fmt.Fprintln(cmd.OutOrStdout(), tenant.DeriveID(principal))
			return nil
		},
	}
}

func askCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask a question about the principal's metrics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := g.requirePrincipal()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Insights == nil {
				return errors.New("insights are not configured (set GOOGLE_API_KEY or SMEI_INSIGHTS_PROJECT)")
			}

			answer, err := a.Insights.Answer(ctx, principal, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer.Answer)
			return nil
		},
	}
}

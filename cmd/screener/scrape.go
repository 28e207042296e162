package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/use-agent/screener/api"
	"github.com/use-agent/screener/config"
	"github.com/use-agent/screener/engine"
	"github.com/use-agent/screener/models"
	"github.com/use-agent/screener/params"
	"github.com/use-agent/screener/planner"
	"github.com/use-agent/screener/recorder"
	"github.com/use-agent/screener/scraper"
	"github.com/use-agent/screener/webhook"
)

func scrapeCmd(cfg *config.Config) *cobra.Command {
	var paramsPath string

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape the requested fields of every listed entity",
		Long: `Scrape reads a JSON array of field names, opens the listing in a headless
browser and upserts every page into the output table. Transient browser
failures restart the session and resume after the last saved page.`,
		Example: `  screener scrape --parameters-path fields.json --output-csv stocks
  screener scrape --parameters-path fields.json --status-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd.Context(), cmd.OutOrStdout(), cfg, paramsPath)
		},
	}

	cmd.Flags().StringVar(&paramsPath, "parameters-path", "", "JSON file with the list of fields to scrape (required)")
	cmd.Flags().StringVar(&cfg.Output.CSVPath, "output-csv", cfg.Output.CSVPath, "output table; .csv is appended when missing")
	cmd.Flags().StringVar(&cfg.Output.KeyColumn, "key-column", cfg.Output.KeyColumn, "name of the key column")
	cmd.Flags().StringVar(&cfg.Listing.URL, "url", cfg.Listing.URL, "listing URL")
	cmd.Flags().IntVar(&cfg.Listing.PageSize, "page-size", cfg.Listing.PageSize, "rows per listing page")
	cmd.Flags().IntVar(&cfg.Run.MaxRecoveries, "max-recoveries", cfg.Run.MaxRecoveries, "session restarts allowed per run; 0 disables recovery")
	cmd.Flags().BoolVar(&cfg.Browser.Headless, "headless", cfg.Browser.Headless, "run the browser headless")
	cmd.Flags().StringVar(&cfg.Server.StatusAddr, "status-addr", cfg.Server.StatusAddr, "serve health, progress and metrics on this address")
	_ = cmd.MarkFlagRequired("parameters-path")

	return cmd
}

// prepared is everything a run needs that can be checked without a browser.
type prepared struct {
	m       params.Map
	fields  []string
	planned []string
	output  string
}

func prepare(cfg *config.Config, paramsPath string) (*prepared, error) {
	m, err := loadParams(cfg.Run.ParamMap)
	if err != nil {
		return nil, err
	}

	fields, err := params.ReadRequested(paramsPath)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, models.NewScrapeError(models.ErrCodeInvalidInput, "no fields requested", nil)
	}

	planned, err := planner.Plan(fields, m)
	if err != nil {
		return nil, err
	}

	return &prepared{
		m:       m,
		fields:  fields,
		planned: planned,
		output:  config.NormalizeCSVPath(cfg.Output.CSVPath),
	}, nil
}

func runScrape(ctx context.Context, out io.Writer, cfg *config.Config, paramsPath string) error {
	p, err := prepare(cfg, paramsPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	startTime := time.Now()

	br, err := scraper.NewBrowser(cfg.Browser, cfg.Listing)
	if err != nil {
		return err
	}
	defer br.Close()

	open := func(ctx context.Context) (engine.Source, error) {
		s, err := br.Open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	logger := slog.Default()
	table := recorder.New(p.output,
		recorder.WithKeyColumn(cfg.Output.KeyColumn),
		recorder.WithLogger(logger),
	)
	recovery := recorder.New(recorder.RecoveryPath(p.output),
		recorder.WithKeyColumn(cfg.Output.KeyColumn),
		recorder.WithLogger(logger),
	)

	opts := []engine.Option{
		engine.WithRecoveryRecorder(recovery),
		engine.WithPageSize(cfg.Listing.PageSize),
		engine.WithMaxRecoveries(cfg.Run.MaxRecoveries),
		engine.WithLogger(logger),
	}

	var notifier *webhook.Notifier
	if cfg.Webhook.URL != "" {
		notifier = webhook.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Secret)
		opts = append(opts, engine.WithObserver(notifier.Observe))
	}

	orch := engine.New(open, table, p.m, opts...)

	if cfg.Server.StatusAddr != "" {
		srv := &http.Server{
			Addr:    cfg.Server.StatusAddr,
			Handler: api.NewRouter(cfg.Server, orch, br, startTime),
		}
		go func() {
			slog.Info("status server listening", "addr", cfg.Server.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("status server shutdown", "error", err)
			}
		}()
	}

	res, runErr := orch.Run(ctx, p.fields)

	if notifier != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		if err := notifier.Wait(waitCtx); err != nil {
			slog.Warn("pending webhook deliveries abandoned", "error", err)
		}
		cancel()
	}

	if runErr != nil {
		printFailure(out, orch.Progress(), table.Path(), runErr)
		return runErr
	}
	printSummary(out, res, table.Path())
	return nil
}

func printSummary(w io.Writer, res *engine.Result, output string) {
	green := color.New(color.FgGreen, color.Bold)
	faint := color.New(color.Faint)

	fmt.Fprintf(w, "%s %d entities saved to %s\n", green.Sprint("done"), res.Persisted, output)
	fmt.Fprintf(w, "  %s %d\n", faint.Sprint("pages:          "), res.Pages)
	fmt.Fprintf(w, "  %s %d\n", faint.Sprint("listed:         "), res.Total)
	fmt.Fprintf(w, "  %s %d\n", faint.Sprint("section switches:"), res.SectionSwitches)
	fmt.Fprintf(w, "  %s %d\n", faint.Sprint("recoveries:     "), res.Recoveries)
	fmt.Fprintf(w, "  %s %s\n", faint.Sprint("duration:       "), res.Duration.Round(time.Second))
}

func printFailure(w io.Writer, p engine.Progress, output string, err error) {
	red := color.New(color.FgRed, color.Bold)

	fmt.Fprintf(w, "%s [%s] after %d of %d entities\n", red.Sprint("failed"), models.CodeOf(err), p.Persisted, p.Total)
	if p.Persisted > 0 {
		fmt.Fprintf(w, "  saved pages are in %s; rerun to refresh them\n", output)
	}
}

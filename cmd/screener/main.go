package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/use-agent/screener/config"
	"github.com/use-agent/screener/params"
)

func main() {
	cfg := config.Load()
	if err := newRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "screener",
		Short: "Scrape a paginated stock screener into a resumable CSV table",
		Long: `screener walks every page of the stock screener listing, reads the requested
fields section by section and upserts them into a CSV table keyed by ticker.
Each page is saved before the next one is requested, so an interrupted run
can be restarted against the same table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(cfg.Log, cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&cfg.Log.Level, "logging-level", cfg.Log.Level, "log level: none, debug, info, warn, error")
	root.PersistentFlags().StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format: json or text")
	root.PersistentFlags().StringVar(&cfg.Run.ParamMap, "param-map", cfg.Run.ParamMap, "YAML parameter map (default: built-in stock screener map)")

	root.AddCommand(scrapeCmd(cfg))
	root.AddCommand(fieldsCmd(cfg))
	root.AddCommand(planCmd(cfg))
	return root
}

// initLogger configures slog based on the LogConfig. Level "none" discards
// every record.
func initLogger(cfg config.LogConfig, w io.Writer) error {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown logging level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// loadParams returns the parameter map at path, or the built-in one.
func loadParams(path string) (params.Map, error) {
	if path == "" {
		return params.Default(), nil
	}
	return params.LoadFile(path)
}

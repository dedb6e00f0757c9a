package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"stairwatch/internal/config"
	"stairwatch/internal/stairs"
	"stairwatch/internal/web"
)

func main() {
	var (
		configPath    string
		summarizePath string
	)
	flag.StringVar(&configPath, "config", "./stairwatch.yaml", "Path to YAML config")
	flag.StringVar(&summarizePath, "summarize", "", "Print a summary of a sample log and exit")
	flag.Parse()

	if summarizePath != "" {
		det := stairs.DefaultConfig()
		sm := config.SigMotionConfig{Kind: config.SigMotionAuto}
		if flagSet("config") {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
				os.Exit(1)
			}
			det = cfg.StairsConfig()
			sm = cfg.SigMotion
		}
		if err := printLogSummary(os.Stdout, summarizePath, det, sm); err != nil {
			fmt.Fprintf(os.Stderr, "summarize: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logs := web.NewLogBuffer(cfg.Web.LogLines)
	log := newLogger(io.MultiWriter(os.Stderr, logs), cfg)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("stairwatch starting", "config", configPath, "source", cfg.Source.Kind)
	if err := run(ctx, cfg, log, logs); err != nil {
		log.Error("stairwatch stopped", "err", err)
		os.Exit(1)
	}
	log.Info("stairwatch stopped")
}

func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// newLogger renders through tint. Colour stays off unless configured,
// since the same bytes also land in the web log tail.
func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      cfg.SlogLevel(),
		TimeFormat: "15:04:05.000",
		NoColor:    !cfg.Log.Color,
	}))
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/preload"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath   string
		manifestPath string
		modelID      string
	)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listCmd.StringVar(&manifestPath, "manifest", "", "Path to model manifest (default: embedded)")

	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "", "Path to model manifest")

	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	fetchCmd.StringVar(&configPath, "config", "loqa-capture.yaml", "Path to configuration file")
	fetchCmd.StringVar(&modelID, "model", "", "Model to fetch (default: configured model)")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'list', 'validate', 'fetch' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "list":
		listCmd.Parse(os.Args[2:])
		if err := runList(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := preload.LoadManifest(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "fetch":
		fetchCmd.Parse(os.Args[2:])
		if err := runFetch(configPath, modelID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runList(path string) error {
	m, err := preload.LoadManifest(path)
	if err != nil {
		return err
	}
	for _, model := range m.Models {
		fmt.Printf("%s\t%s\t%d files\t%d bytes\n", model.ID, model.Repo, len(model.Files), model.StaticTotal())
	}
	return nil
}

// runFetch downloads a model package into the configured cache so the
// runtime starts warm.
func runFetch(configPath, modelID string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	manifest, err := preload.LoadManifest(cfg.Preload.Manifest)
	if err != nil {
		return err
	}
	if modelID == "" {
		modelID = cfg.Transcription.ModelID
	}
	if modelID == "" {
		modelID = preload.FallbackModelID
	}

	p := preload.New(preload.Options{
		BaseURL:  cfg.Preload.BaseURL,
		CacheDir: cfg.Preload.CacheDir,
	}, manifest, logger)
	p.Subscribe(func(s preload.Snapshot) {
		if s.Status == preload.StatusLoading {
			fmt.Fprintf(os.Stderr, "\r%s %5.1f%% %s", s.ModelID, s.Progress.Percent, s.Progress.CurrentFile)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir, err := p.Ensure(ctx, modelID)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", modelID, err)
	}
	fmt.Println(dir)
	return nil
}

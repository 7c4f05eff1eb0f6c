// Command quarryd runs the project-scoped retrieval and memory service.
//
// Usage:
//
//	quarryd serve --config quarry.yaml
//	quarryd index --project myapp --path /src/myapp [--watch]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/quarry-ai/quarry/config"
	"github.com/quarry-ai/quarry/indexer"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the HTTP service."`
	Index   IndexCmd   `cmd:"" help:"Index a project tree and exit."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (text, json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("quarryd version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP service.
type ServeCmd struct {
	Dev bool `help:"Run with the in-memory vector store instead of a live engine."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	deps, cleanup, err := buildServices(cfg, c.Dev)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := newServer(cfg, deps)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// IndexCmd runs one synchronous index pass, optionally staying alive to
// reindex on file changes.
type IndexCmd struct {
	Project string `required:"" help:"Project name."`
	Path    string `required:"" type:"path" help:"Project root to index."`
	Force   bool   `help:"Clear the collection and hash index first."`
	Watch   bool   `short:"w" help:"Keep watching the tree and reindex incrementally on changes."`
	Dev     bool   `help:"Run with the in-memory vector store instead of a live engine."`
}

func (c *IndexCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	deps, cleanup, err := buildServices(cfg, c.Dev)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runIndex(ctx, deps, c.Project, c.Path, c.Force); err != nil {
		return err
	}

	progress := deps.Indexer.Progress(c.Project)
	fmt.Printf("Indexed %d files (%d chunks, %d deleted) in %s\n",
		progress.ProcessedFiles, progress.TotalChunks, progress.DeletedFiles,
		progress.CompletedAt.Sub(progress.StartedAt).Round(1000000))

	if !c.Watch {
		return nil
	}

	w, err := indexer.NewWatcher(deps.Indexer, c.Project, c.Path, cfg.Indexer.WatchDebounce)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := w.Stop(); err != nil {
			slog.Warn("Failed to stop index watcher", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Stopping index watcher", "signal", sig.String())
	return nil
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("quarryd"),
		kong.Description("Project-scoped retrieval and memory service for coding agents"),
		kong.UsageOnError(),
	)

	initLogger(cli.LogLevel, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

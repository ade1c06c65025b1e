// Command docflow runs the document ingestion pipeline: the upload API,
// the queue workers and a local ingest tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/server"
)

var (
	version = "dev"

	configPath string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "docflow",
		Short:         "Document ingestion and enrichment pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newIngestCmd())
	return cmd
}

// loadApp reads .env, the config file and the environment, then refuses to
// start on any validation failure.
func loadApp(ctx context.Context) (*app, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %v", err)
	}
	return newApp(ctx, configPath, logLevel)
}

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload and status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen == "" {
				listen = a.config.Server.Listen
			}
			embedder, err := a.embedder()
			if err != nil {
				return err
			}
			config := server.Config{
				Store:       a.store,
				Intake:      a.intake,
				Embedder:    embedder,
				MaxUploadMB: a.config.Server.MaxUploadMB,
				Logger:      a.logger,
			}
			index, err := a.vectorIndex(ctx)
			if err != nil {
				return err
			}
			if index != nil {
				config.Index = index
			} else {
				a.logger.Warn("vector search disabled", "driver", a.config.Database.Driver)
			}

			srv, err := server.New(config)
			if err != nil {
				return fmt.Errorf("failed to initialize server: %v", err)
			}
			return srv.ListenAndServe(ctx, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default server.listen)")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var queues []string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume job queues until interrupted",
		Long: `Run worker pools for the selected queues. Valid queues are documents,
drawings and chunks. Concurrency per queue comes from the queue section of
the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			selected, err := parseQueues(queues)
			if err != nil {
				return err
			}
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			pools, err := a.workerPools(selected)
			if err != nil {
				return err
			}

			var wg sync.WaitGroup
			for _, pool := range pools {
				wg.Add(1)
				go func(p *jobs.WorkerPool) {
					defer wg.Done()
					p.Run(ctx)
				}(pool)
			}
			wg.Wait()
			a.logger.Info("workers stopped")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&queues, "queues", []string{"documents", "drawings", "chunks"}, "Queues to consume")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Migrate(ctx, jobs.Migrate); err != nil {
				return err
			}
			index, err := a.vectorIndex(ctx)
			if err != nil {
				return err
			}
			if index != nil {
				if err := index.EnsureIndex(ctx); err != nil {
					return err
				}
			}
			color.Green("✓ Schema is up to date")
			return nil
		},
	}
}

var queueNames = map[string]jobs.Queue{
	"documents": jobs.QueueDocuments,
	"drawings":  jobs.QueueDrawings,
	"chunks":    jobs.QueueChunks,
}

func parseQueues(names []string) ([]jobs.Queue, error) {
	seen := map[jobs.Queue]bool{}
	var out []jobs.Queue
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		q, ok := queueNames[name]
		if !ok {
			// Full queue names are accepted too.
			for _, candidate := range queueNames {
				if string(candidate) == name {
					q, ok = candidate, true
				}
			}
		}
		if !ok {
			return nil, fmt.Errorf("unknown queue %q (want documents, drawings or chunks)", name)
		}
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one queue is required")
	}
	return out, nil
}

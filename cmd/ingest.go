package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/pkg/ingest"
	"github.com/xhad/docflow/pkg/jobs"
)

type ingestOptions struct {
	project      string
	set          string
	category     string
	uploadedBy   string
	wait         bool
	skipDrawings bool
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Upload local files and optionally process them inline",
		Long: `Upload files into a project the same way the HTTP API does. With
--set the documents join that document set and are queued for indexing.
With --wait the queued jobs are processed in this process before exiting.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.project, "project", "", "Project ID (required)")
	cmd.Flags().StringVar(&opts.set, "set", "", "Document set ID to index into")
	cmd.Flags().StringVar(&opts.category, "category", "", "Category name")
	cmd.Flags().StringVar(&opts.uploadedBy, "uploaded-by", "cli", "Uploader recorded on each version")
	cmd.Flags().BoolVar(&opts.wait, "wait", true, "Process queued jobs before exiting")
	cmd.Flags().BoolVar(&opts.skipDrawings, "skip-drawings", false, "Leave drawing extraction jobs for the workers")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func runIngest(ctx context.Context, opts ingestOptions, files []string) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	color.Blue("\nUploading %d file(s) to project %s\n", len(files), opts.project)
	bar := getProgressBar(len(files), "Uploading documents")

	var results []*ingest.UploadResult
	drawings := false
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			_ = bar.Finish()
			return fmt.Errorf("failed to read %s: %v", path, err)
		}
		res, err := a.intake.Upload(ctx, ingest.UploadRequest{
			ProjectID:     opts.project,
			DocumentSetID: opts.set,
			Category:      opts.category,
			Filename:      filepath.Base(path),
			UploadedBy:    opts.uploadedBy,
			Content:       data,
		})
		if err != nil {
			_ = bar.Finish()
			return fmt.Errorf("failed to upload %s: %v", path, err)
		}
		results = append(results, res)
		drawings = drawings || res.DrawingJobID != ""
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	color.Green("\n✓ Uploaded %d file(s)\n", len(results))

	if !opts.wait {
		return nil
	}

	var queues []jobs.Queue
	if opts.set != "" {
		queues = append(queues, jobs.QueueDocuments)
	}
	if drawings && !opts.skipDrawings {
		queues = append(queues, jobs.QueueDrawings)
	}
	if len(queues) == 0 {
		return nil
	}

	pools, err := a.workerPools(queues)
	if err != nil {
		return err
	}
	for i, pool := range pools {
		spinner := getSpinner(fmt.Sprintf(" Processing %s jobs...", queues[i]))
		for {
			processed, err := pool.ProcessOne(ctx)
			if err != nil {
				_ = spinner.Finish()
				return fmt.Errorf("failed to process %s jobs: %v", queues[i], err)
			}
			if !processed {
				break
			}
			_ = spinner.Add(1)
		}
		_ = spinner.Finish()
		fmt.Print("\n")
	}

	return report(ctx, a, opts, results)
}

func report(ctx context.Context, a *app, opts ingestOptions, results []*ingest.UploadResult) error {
	ok := color.New(color.FgGreen).PrintfFunc()
	bad := color.New(color.FgRed).PrintfFunc()
	info := color.New(color.FgCyan).PrintfFunc()

	failed := 0
	for _, res := range results {
		name := res.FileAsset.OriginalName
		if opts.set != "" {
			m, err := a.store.GetSetMember(ctx, opts.set, res.Document.ID)
			if err != nil {
				return err
			}
			switch m.SyncStatus {
			case models.SyncSynced:
				ok("✓ %s v%d: %d chunks\n", name, res.Version.VersionNumber, m.ChunkCount)
			case models.SyncFailed:
				failed++
				msg := ""
				if m.SyncError != nil {
					msg = *m.SyncError
				}
				bad("✗ %s v%d: %s\n", name, res.Version.VersionNumber, msg)
			default:
				info("… %s v%d: %s\n", name, res.Version.VersionNumber, m.SyncStatus)
			}
		}

		if res.DrawingJobID == "" {
			continue
		}
		fa, err := a.store.GetFileAsset(ctx, res.FileAsset.ID)
		if err != nil {
			return err
		}
		if fa.DrawingExtractionStatus == nil {
			continue
		}
		switch *fa.DrawingExtractionStatus {
		case models.ExtractionCompleted:
			ok("✓ %s drawing %s rev %s\n", name, deref(fa.DrawingNumber), deref(fa.DrawingRevision))
		case models.ExtractionFailed:
			failed++
			bad("✗ %s extraction: %s\n", name, deref(fa.DrawingExtractionError))
		default:
			info("… %s extraction %s\n", name, *fa.DrawingExtractionStatus)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d job(s) failed and will be retried by the workers", failed)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

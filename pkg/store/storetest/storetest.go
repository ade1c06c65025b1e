// Package storetest opens migrated in-memory databases for tests.
package storetest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xhad/docflow/internal/models"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/store"
)

func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New returns a Store over a fresh SQLite memory database with every
// table migrated, including the job queue.
func New(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.NewWithConfig(store.StoreConfig{
		Driver: "sqlite",
		URL:    ":memory:",
		Logger: Logger(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background(), jobs.Migrate))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Project(t testing.TB, s *store.Store, extraction bool) *models.Project {
	t.Helper()
	p := &models.Project{Name: "Riverside Clinic", DrawingExtractionEnabled: extraction}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func DocumentSet(t testing.TB, s *store.Store, projectID string) *models.DocumentSet {
	t.Helper()
	set := &models.DocumentSet{ProjectID: projectID, Name: "Tender set"}
	require.NoError(t, s.CreateDocumentSet(context.Background(), set))
	return set
}

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/xhad/docflow/internal/dbutil"
	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/models"
)

type StoreConfig struct {
	Driver       string
	URL          string
	MaxOpenConns int
	LogSQL       bool
	Logger       *slog.Logger
}

// Store is the relational record store. A Store obtained from WithTx runs
// every call inside that transaction.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewWithConfig(config StoreConfig) (*Store, error) {
	if config.Driver == "" {
		config.Driver = "postgres"
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 10
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "postgres":
		dialector = postgres.Open(config.URL)
	case "sqlite":
		dialector = sqlite.Open(config.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	logMode := gormlogger.Silent
	if config.LogSQL {
		logMode = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logMode),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %v", err)
	}
	if config.Driver == "sqlite" {
		// One connection keeps an in-memory database shared and serializes writers.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}

	return &Store{db: db, logger: config.Logger}, nil
}

func New(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migration is an additional schema step run under the migration lock.
type Migration func(db *gorm.DB) error

func (s *Store) Migrate(ctx context.Context, extra ...Migration) error {
	return NewMigrationLocker(s.db).WithLock(ctx, func() error {
		db := s.db.WithContext(ctx)
		if dbutil.IsPostgres(db) {
			if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
				return fmt.Errorf("failed to create vector extension: %v", err)
			}
		}
		if err := db.AutoMigrate(models.All()...); err != nil {
			return fmt.Errorf("schema migration failed: %v", err)
		}
		for _, m := range extra {
			if err := m(db); err != nil {
				return err
			}
		}
		return nil
	})
}

func dbErr(op string, err error) error {
	if dbutil.IsNotFound(err) {
		return errs.NotFound(op, err)
	}
	return errs.Database(op, err)
}

// Projects

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return dbErr("store.CreateProject", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, dbErr("store.GetProject", err)
	}
	return &p, nil
}

func (s *Store) SetDrawingExtraction(ctx context.Context, projectID string, enabled bool) error {
	err := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ?", projectID).
		Update("drawing_extraction_enabled", enabled).Error
	if err != nil {
		return dbErr("store.SetDrawingExtraction", err)
	}
	return nil
}

// EnsureCategory creates the shared category row or returns the existing
// one. A duplicate key from a concurrent insert is the only ignored error.
func (s *Store) EnsureCategory(ctx context.Context, projectID, name string) (*models.Category, error) {
	db := s.db.WithContext(ctx)
	cat := models.Category{ProjectID: projectID, Name: name}

	err := db.Create(&cat).Error
	if err != nil && !dbutil.IsDuplicateKey(err) {
		return nil, dbErr("store.EnsureCategory", err)
	}
	if err == nil {
		return &cat, nil
	}

	var existing models.Category
	if err := db.First(&existing, "project_id = ? AND name = ?", projectID, name).Error; err != nil {
		return nil, dbErr("store.EnsureCategory", err)
	}
	return &existing, nil
}

// File assets

func (s *Store) CreateFileAsset(ctx context.Context, fa *models.FileAsset) error {
	if err := s.db.WithContext(ctx).Create(fa).Error; err != nil {
		return dbErr("store.CreateFileAsset", err)
	}
	return nil
}

func (s *Store) GetFileAsset(ctx context.Context, id string) (*models.FileAsset, error) {
	var fa models.FileAsset
	if err := s.db.WithContext(ctx).First(&fa, "id = ?", id).Error; err != nil {
		return nil, dbErr("store.GetFileAsset", err)
	}
	return &fa, nil
}

// PathForHash returns the storage path of the oldest asset with the given
// content hash, or "".
func (s *Store) PathForHash(ctx context.Context, hash string) (string, error) {
	var fa models.FileAsset
	err := s.db.WithContext(ctx).
		Select("storage_path").
		Where("content_hash = ?", hash).
		Order("created_at ASC").
		Limit(1).
		Find(&fa).Error
	if err != nil {
		return "", dbErr("store.PathForHash", err)
	}
	return fa.StoragePath, nil
}

// Documents and versions

func (s *Store) FindDocument(ctx context.Context, projectID, filename string) (*models.Document, error) {
	var docs []models.Document
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND filename = ?", projectID, filename).
		Limit(1).
		Find(&docs).Error
	if err != nil {
		return nil, dbErr("store.FindDocument", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	if err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, dbErr("store.GetDocument", err)
	}
	return &doc, nil
}

func (s *Store) ListVersions(ctx context.Context, documentID string) ([]models.Version, error) {
	var versions []models.Version
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_number ASC").
		Find(&versions).Error
	if err != nil {
		return nil, dbErr("store.ListVersions", err)
	}
	return versions, nil
}

// LatestVersion resolves the document's latest version and its asset.
func (s *Store) LatestVersion(ctx context.Context, documentID string) (*models.Version, *models.FileAsset, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if doc.LatestVersionID == nil {
		return nil, nil, errs.NotFound("store.LatestVersion", fmt.Errorf("document %s has no versions", documentID))
	}

	var v models.Version
	if err := s.db.WithContext(ctx).First(&v, "id = ?", *doc.LatestVersionID).Error; err != nil {
		return nil, nil, dbErr("store.LatestVersion", err)
	}
	fa, err := s.GetFileAsset(ctx, v.FileAssetID)
	if err != nil {
		return nil, nil, err
	}
	return &v, fa, nil
}

// Document sets

func (s *Store) CreateDocumentSet(ctx context.Context, set *models.DocumentSet) error {
	if err := s.db.WithContext(ctx).Create(set).Error; err != nil {
		return dbErr("store.CreateDocumentSet", err)
	}
	return nil
}

func (s *Store) GetDocumentSet(ctx context.Context, id string) (*models.DocumentSet, error) {
	var set models.DocumentSet
	if err := s.db.WithContext(ctx).First(&set, "id = ?", id).Error; err != nil {
		return nil, dbErr("store.GetDocumentSet", err)
	}
	return &set, nil
}

// ResetSetMember adds the document to the set, or moves an existing
// membership back to PENDING for a new processing run.
func (s *Store) ResetSetMember(ctx context.Context, setID, documentID string) error {
	now := time.Now()
	member := models.DocumentSetMember{
		DocumentSetID: setID,
		DocumentID:    documentID,
		SyncStatus:    models.SyncPending,
		UpdatedAt:     now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "document_set_id"}, {Name: "document_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"sync_status": models.SyncPending,
			"sync_error":  nil,
			"progress":    0,
			"updated_at":  now,
		}),
	}).Create(&member).Error
	if err != nil {
		return dbErr("store.ResetSetMember", err)
	}
	return nil
}

func (s *Store) GetSetMember(ctx context.Context, setID, documentID string) (*models.DocumentSetMember, error) {
	var m models.DocumentSetMember
	err := s.db.WithContext(ctx).
		First(&m, "document_set_id = ? AND document_id = ?", setID, documentID).Error
	if err != nil {
		return nil, dbErr("store.GetSetMember", err)
	}
	return &m, nil
}

type SyncUpdate struct {
	Status     models.SyncStatus
	Error      string
	ChunkCount int
	SyncedAt   *time.Time
}

// SetSyncStatus applies the update only when the member's current status
// may move to u.Status. It reports whether a row changed.
func (s *Store) SetSyncStatus(ctx context.Context, setID, documentID string, u SyncUpdate) (bool, error) {
	updates := map[string]any{
		"sync_status": u.Status,
		"updated_at":  time.Now(),
	}
	switch u.Status {
	case models.SyncProcessing:
		updates["sync_error"] = nil
	case models.SyncFailed:
		updates["sync_error"] = u.Error
	case models.SyncSynced:
		updates["sync_error"] = nil
		updates["chunk_count"] = u.ChunkCount
		updates["synced_at"] = u.SyncedAt
		updates["progress"] = 100
	}

	res := s.db.WithContext(ctx).Model(&models.DocumentSetMember{}).
		Where("document_set_id = ? AND document_id = ? AND sync_status IN ?", setID, documentID, u.Status.From()).
		Updates(updates)
	if res.Error != nil {
		return false, dbErr("store.SetSyncStatus", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) SetSyncProgress(ctx context.Context, setID, documentID string, percent int) error {
	err := s.db.WithContext(ctx).Model(&models.DocumentSetMember{}).
		Where("document_set_id = ? AND document_id = ?", setID, documentID).
		Update("progress", percent).Error
	if err != nil {
		return dbErr("store.SetSyncProgress", err)
	}
	return nil
}

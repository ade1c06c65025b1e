package store

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migrations across worker and server
// processes that boot at the same time.
type MigrationLocker interface {
	WithLock(ctx context.Context, fn func() error) error
}

func NewMigrationLocker(db *gorm.DB) MigrationLocker {
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte("docflow-migration"))),
		}
	}
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &tableLock{db: db}
}

type advisoryLock struct {
	db     *gorm.DB
	lockID int64
}

// WithLock pins one pooled connection so lock and unlock hit the same
// session.
func (l *advisoryLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
			return fmt.Errorf("failed to acquire migration advisory lock: %w", err)
		}
		defer conn.Exec("SELECT pg_advisory_unlock(?)", l.lockID)
		return fn()
	})
}

type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// tableLock uses insert-or-fail on a single row, with stale lock cleanup
// for holders that crashed.
type tableLock struct {
	db *gorm.DB
}

func (l *tableLock) WithLock(ctx context.Context, fn func() error) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	const maxRetries = 30
	const retryInterval = time.Second
	const staleLockAge = 5 * time.Minute

	db := l.db.WithContext(ctx)
	for i := 0; ; i++ {
		db.Where("id = ? AND locked_at < ?", "migration", time.Now().Add(-staleLockAge)).Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: "migration", LockedAt: time.Now(), LockedBy: hostname}
		err := db.Create(&row).Error
		if err == nil {
			break
		}
		if i == maxRetries-1 {
			return fmt.Errorf("failed to acquire migration lock after %d retries: %w", maxRetries, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	defer l.db.Where("id = ?", "migration").Delete(&migrationLockRecord{})
	return fn()
}

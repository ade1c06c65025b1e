// Package blob stores upload bytes under content-addressed keys.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/xhad/docflow/internal/errs"
)

var ErrNotFound = errors.New("blob not found")

// Backend is the physical object store.
type Backend interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete returns nil when the key does not exist.
	Delete(ctx context.Context, key string) error
}

// HashIndex resolves a content hash to the path it was first stored under.
// It returns "" for an unknown hash.
type HashIndex interface {
	PathForHash(ctx context.Context, hash string) (string, error)
}

type Result struct {
	Path string
	Hash string
	Size int64
}

type ServiceConfig struct {
	Backend Backend
	Index   HashIndex
	Now     func() time.Time
	Logger  *slog.Logger
}

type Service struct {
	config ServiceConfig
}

func NewWithConfig(config ServiceConfig) (*Service, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("blob backend is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{config: config}, nil
}

// SetIndex attaches the hash index once the record store is available.
func (s *Service) SetIndex(index HashIndex) {
	s.config.Index = index
}

// Save writes data under its content address. Byte-identical content
// always resolves to the same path, and the physical write is skipped
// when the object already exists.
func (s *Service) Save(ctx context.Context, name string, data []byte) (*Result, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	res := &Result{Hash: hash, Size: int64(len(data))}

	if s.config.Index != nil {
		known, err := s.config.Index.PathForHash(ctx, hash)
		if err != nil {
			return nil, errs.Storage("blob.Save", fmt.Errorf("failed to look up hash: %w", err))
		}
		if known != "" {
			ok, err := s.config.Backend.Exists(ctx, known)
			if err != nil {
				return nil, errs.Storage("blob.Save", err)
			}
			if ok {
				res.Path = known
				return res, nil
			}
			s.config.Logger.Warn("indexed blob missing from backend, rewriting", "path", known)
		}
	}

	res.Path = Key(s.config.Now(), hash, name)

	exists, err := s.config.Backend.Exists(ctx, res.Path)
	if err != nil {
		return nil, errs.Storage("blob.Save", err)
	}
	if exists {
		return res, nil
	}

	if err := s.config.Backend.Put(ctx, res.Path, data); err != nil {
		return nil, errs.Storage("blob.Save", fmt.Errorf("failed to write %s: %w", res.Path, err))
	}
	s.config.Logger.Debug("stored blob", "path", res.Path, "size", res.Size)
	return res, nil
}

func (s *Service) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.config.Backend.Get(ctx, path)
	if err != nil {
		return nil, errs.Storage("blob.Get", fmt.Errorf("failed to read %s: %w", path, err))
	}
	return data, nil
}

// Delete removes the object. A missing object is not an error.
func (s *Service) Delete(ctx context.Context, path string) error {
	if err := s.config.Backend.Delete(ctx, path); err != nil && !errors.Is(err, ErrNotFound) {
		return errs.Storage("blob.Delete", fmt.Errorf("failed to delete %s: %w", path, err))
	}
	return nil
}

// Key derives the storage key: a UTC date partition, the hex hash and the
// lower-cased original extension.
func Key(t time.Time, hash, name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	return fmt.Sprintf("%s/%s%s", t.UTC().Format("2006/01/02"), hash, ext)
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, `\`) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}

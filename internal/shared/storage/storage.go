package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nextconvert/compositor/internal/shared/config"
	"github.com/nextconvert/compositor/internal/shared/metrics"
)

// ErrNotFound is returned when a stored file does not exist
var ErrNotFound = errors.New("stored file not found")

// Zone represents a storage zone
type Zone string

const (
	// ZoneOutput holds rendered exports until retention removes them
	ZoneOutput Zone = "output"
)

// FileInfo represents metadata about a stored file
type FileInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Zone      Zone      `json:"zone"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Object is a listed stored file
type Object struct {
	Path     string
	Size     int64
	Modified time.Time
}

// Backend defines the storage backend interface
type Backend interface {
	Store(ctx context.Context, zone Zone, filename string, reader io.Reader) (string, error)
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	GetSize(ctx context.Context, path string) (int64, error)
	List(ctx context.Context, zone Zone) ([]Object, error)
}

// Service provides file storage operations
type Service struct {
	backend   Backend
	retention time.Duration
	metrics   *metrics.Metrics
}

// NewService creates a new storage service
func NewService(cfg config.StorageConfig, m *metrics.Metrics) (*Service, error) {
	var backend Backend
	var err error

	switch cfg.Backend {
	case "s3":
		backend, err = NewS3Backend(cfg)
	default:
		backend, err = NewLocalBackend(cfg.BasePath)
	}

	if err != nil {
		return nil, err
	}

	return NewServiceWithBackend(backend, cfg.OutputRetention, m), nil
}

// NewServiceWithBackend wraps an existing backend
func NewServiceWithBackend(backend Backend, retention time.Duration, m *metrics.Metrics) *Service {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Service{backend: backend, retention: retention, metrics: m}
}

// Store saves a file to the specified zone under a fresh id, keeping the extension of originalName
func (s *Service) Store(ctx context.Context, zone Zone, originalName string, reader io.Reader) (*FileInfo, error) {
	fileID := uuid.New().String()
	filename := fileID + strings.ToLower(filepath.Ext(originalName))

	path, err := s.backend.Store(ctx, zone, filename, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	size, err := s.backend.GetSize(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to get file size: %w", err)
	}
	s.metrics.RecordStorageWrite(string(zone), size)

	now := time.Now()
	return &FileInfo{
		ID:        fileID,
		Name:      originalName,
		Path:      path,
		Zone:      zone,
		Size:      size,
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}, nil
}

// Retrieve gets a file from storage. A missing file yields ErrNotFound.
func (s *Service) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	return s.backend.Retrieve(ctx, path)
}

// Cleanup removes files in zone older than the retention period and returns how many were removed
func (s *Service) Cleanup(ctx context.Context, zone Zone) (int, error) {
	objects, err := s.backend.List(ctx, zone)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s zone: %w", zone, err)
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for _, obj := range objects {
		if !obj.Modified.Before(cutoff) {
			continue
		}
		if err := s.backend.Delete(ctx, obj.Path); err != nil {
			return removed, fmt.Errorf("failed to delete %s: %w", obj.Path, err)
		}
		removed++
	}
	return removed, nil
}

// LocalBackend implements local filesystem storage
type LocalBackend struct {
	basePath string
}

// NewLocalBackend creates a new local storage backend
func NewLocalBackend(basePath string) (*LocalBackend, error) {
	path := filepath.Join(basePath, string(ZoneOutput))
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return &LocalBackend{basePath: basePath}, nil
}

func (b *LocalBackend) Store(ctx context.Context, zone Zone, filename string, reader io.Reader) (string, error) {
	dir := filepath.Join(b.basePath, string(zone))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filename)

	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		os.Remove(path)
		return "", err
	}

	return path, nil
}

func (b *LocalBackend) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	return os.Remove(path)
}

func (b *LocalBackend) GetSize(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (b *LocalBackend) List(ctx context.Context, zone Zone) ([]Object, error) {
	var objects []Object
	err := filepath.Walk(filepath.Join(b.basePath, string(zone)), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			objects = append(objects, Object{Path: path, Size: info.Size(), Modified: info.ModTime()})
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return objects, err
}

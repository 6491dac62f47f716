package services

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Storage defines a minimal interface for archiving rotated event log
// segments off the serving host.
type Storage interface {
	// Save stores the content under key (relative path, e.g.
	// "security.log.20250101T000000"). Returns the stored location.
	Save(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	// Delete removes the object at key. Should not error if the object does not exist.
	Delete(ctx context.Context, key string) error
	// IsLocal indicates whether this storage writes to local filesystem.
	IsLocal() bool
}

// ----- Local archive implementation -----

type LocalStorage struct {
	baseDir string // e.g. "logs/archive"
}

func NewLocalStorage(baseDir string) *LocalStorage {
	if baseDir == "" {
		baseDir = "logs/archive"
	}
	return &LocalStorage{baseDir: baseDir}
}

func (s *LocalStorage) Save(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	key = filepath.ToSlash(key)
	dstPath := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return dstPath, nil
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	key = filepath.ToSlash(key)
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func (s *LocalStorage) IsLocal() bool { return true }

// ----- S3 (R2-compatible) configuration -----

type S3Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	Bucket         string
	ForcePathStyle bool
}

// NewArchiveStorage builds a Storage from environment variables.
// ARCHIVE_PROVIDER=s3 selects the S3 backend; anything else is local.
func NewArchiveStorage(baseDir string) (Storage, error) {
	if strings.EqualFold(os.Getenv("ARCHIVE_PROVIDER"), "s3") {
		cfg := S3Config{
			Endpoint:       os.Getenv("S3_ENDPOINT"),
			AccessKey:      os.Getenv("S3_ACCESS_KEY"),
			SecretKey:      os.Getenv("S3_SECRET_KEY"),
			Bucket:         os.Getenv("S3_BUCKET"),
			UseSSL:         true,
			ForcePathStyle: os.Getenv("S3_FORCE_PATH_STYLE") != "false",
		}
		return buildS3Storage(cfg)
	}
	return NewLocalStorage(baseDir), nil
}

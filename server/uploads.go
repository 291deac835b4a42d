package server

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNoFile       = errors.New("no file provided")
	ErrFileTooLarge = errors.New("file exceeds the maximum upload size")
)

// StoredFile describes a file accepted by the upload endpoint.
type StoredFile struct {
	Name         string // name on disk, also the last URL segment
	OriginalName string
	Size         int64
	Path         string
	URL          string
}

// UploadStore keeps uploaded files on local disk under dir and removes the
// ones older than the retention window.
type UploadStore struct {
	dir       string
	urlPrefix string
	maxSize   int64
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewUploadStore(dir, urlPrefix string, maxSize int64, retention time.Duration, logger *slog.Logger) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "uploads.MkdirAll: ")
	}
	return &UploadStore{
		dir:       dir,
		urlPrefix: strings.TrimSuffix(urlPrefix, "/"),
		maxSize:   maxSize,
		retention: retention,
		logger:    logger.With(slog.String("component", "uploads")),
		now:       time.Now,
		stop:      make(chan struct{}),
	}, nil
}

func (u *UploadStore) Dir() string { return u.dir }

// Prepare validates an incoming file and picks its stored name. The caller
// writes the bytes to the returned Path.
func (u *UploadStore) Prepare(originalName string, size int64) (*StoredFile, error) {
	originalName = filepath.Base(strings.TrimSpace(originalName))
	if originalName == "" || originalName == "." || originalName == string(filepath.Separator) {
		return nil, ErrNoFile
	}
	if size > u.maxSize {
		return nil, ErrFileTooLarge
	}

	name := uuid.NewString() + sanitizeExt(filepath.Ext(originalName))
	return &StoredFile{
		Name:         name,
		OriginalName: originalName,
		Size:         size,
		Path:         filepath.Join(u.dir, name),
		URL:          u.urlPrefix + "/" + name,
	}, nil
}

// sanitizeExt keeps short alphanumeric extensions and drops anything else.
func sanitizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

// CleanExpired removes files older than the retention window and returns
// how many it removed. A zero retention keeps everything.
func (u *UploadStore) CleanExpired() int {
	if u.retention <= 0 {
		return 0
	}

	entries, err := os.ReadDir(u.dir)
	if err != nil {
		u.logger.Warn("Failed to list uploads", slog.Any("error", err))
		return 0
	}

	cutoff := u.now().Add(-u.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(u.dir, entry.Name())); err != nil {
			u.logger.Warn("Failed to remove expired upload", slog.String("file", entry.Name()), slog.Any("error", err))
			continue
		}
		removed++
	}

	if removed > 0 {
		u.logger.Info("Removed expired uploads", slog.Int("count", removed))
	}
	return removed
}

// StartCleanupTask sweeps expired files periodically until Stop is called.
func (u *UploadStore) StartCleanupTask() {
	if u.retention <= 0 {
		return
	}

	interval := u.retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				u.CleanExpired()
			case <-u.stop:
				return
			}
		}
	}()
}

func (u *UploadStore) Stop() {
	u.stopOnce.Do(func() { close(u.stop) })
}

package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mnemon/mnemon/internal/errs"
	"github.com/mnemon/mnemon/internal/logging"
)

// Backup writes a consistent snapshot into the backups directory next to
// the database file. VACUUM INTO runs as a reader, so writers are blocked
// no longer than a shared lock acquisition.
func (s *Store) Backup() (string, error) {
	dir := filepath.Join(filepath.Dir(s.path), "backups")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errs.Wrap(errs.KindStorage, "create backup directory", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("snapshot-%s.db", time.Now().UTC().Format("20060102-150405")))
	if _, err := s.db.Exec(`VACUUM INTO ?`, dest); err != nil {
		return "", errs.Wrap(errs.KindStorage, "vacuum into snapshot", err)
	}
	logging.Info("graph", "backup written: %s", filepath.Base(dest))
	return dest, nil
}

// BackupLoop runs periodic backups until ctx is canceled.
func (s *Store) BackupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Backup(); err != nil {
				logging.Warn("graph", "backup failed: %v", err)
			}
		}
	}
}

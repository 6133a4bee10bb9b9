package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// minSweepInterval bounds how often the janitor scans the output directory.
const minSweepInterval = time.Second

// janitor removes synthesised replies older than ttl from dir.
type janitor struct {
	dir      string
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func newJanitor(dir string, ttl time.Duration) *janitor {
	return &janitor{
		dir:      dir,
		ttl:      ttl,
		interval: max(ttl/4, minSweepInterval),
		now:      time.Now,
	}
}

// run sweeps once immediately and then every interval until ctx is done.
// A non-positive ttl disables cleanup.
func (j *janitor) run(ctx context.Context) {
	if j.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if n, err := j.sweep(); err != nil {
			slog.Warn("output janitor sweep failed", "dir", j.dir, "err", err)
		} else if n > 0 {
			slog.Debug("output janitor removed expired replies", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep removes expired replies and returns how many were removed. Only
// regular files named <uuid>.<ext> are considered.
func (j *janitor) sweep() (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := j.now().Add(-j.ttl)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() || !isReplyName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func isReplyName(name string) bool {
	id := strings.TrimSuffix(name, filepath.Ext(name))
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}

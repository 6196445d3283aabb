package demo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/warden/pkg/types"
)

// SendMail pretends to deliver {"to", "subject"}. A job without a recipient
// fails so the retry path can be watched.
func SendMail(ctx context.Context, job *types.Job) error {
	to, _ := job.Payload["to"].(string)
	if to == "" {
		return errors.New("mail: no recipient")
	}
	subject, _ := job.Payload["subject"].(string)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	zap.L().Info("mail sent", zap.String("job", string(job.ID)), zap.String("to", to), zap.String("subject", subject))
	return nil
}

// Cleanup removes regular files in payload "dir" older than payload
// "max_age" (a duration string, default 24h).
func Cleanup(ctx context.Context, rec *types.TaskRecord) error {
	dir, _ := rec.Payload["dir"].(string)
	if dir == "" {
		return errors.New("cleanup: payload.dir is required")
	}
	maxAge := 24 * time.Hour
	if s, ok := rec.Payload["max_age"].(string); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("cleanup: max_age: %w", err)
		}
		maxAge = d
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	zap.L().Info("cleanup done", zap.String("dir", dir), zap.Int("removed", removed))
	return nil
}

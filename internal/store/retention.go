package store

import (
	"context"
	"log/slog"
	"time"
)

// StartRetentionWorker launches a background goroutine that periodically
// deletes sessions older than ttl. It stops when ctx is canceled.
func StartRetentionWorker(ctx context.Context, repo Repository, ttl, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Retention worker stopped")
				return
			case <-ticker.C:
				deleted, err := repo.DeleteExpiredSessions(ctx, ttl)
				if err != nil {
					if ctx.Err() == nil {
						slog.Error("Retention sweep failed", "error", err)
					}
					continue
				}
				if deleted > 0 {
					slog.Info("Expired sessions removed", "count", deleted, "ttl", ttl)
				}
			}
		}
	}()
}

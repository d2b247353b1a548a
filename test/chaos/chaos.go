package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one backend of the current database now and
// then, mid-transaction or not. appLike narrows the victims by
// application_name; empty means any backend but our own.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appLike string, stop <-chan struct{}) int {
	if appLike == "" {
		appLike = "%"
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	killed := 0
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
                    SELECT pid FROM pg_stat_activity
                    WHERE datname = current_database()
                      AND pid <> pg_backend_pid()
                      AND application_name LIKE $1
                    ORDER BY random() LIMIT 1) victims`, appLike).Scan(&ok)
			if err == nil && ok {
				killed++
			}
		}
	}
}

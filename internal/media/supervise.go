package media

import (
	"context"
	"log/slog"
	"time"
)

// Supervise runs task and starts it again whenever it returns while ctx is
// still live, waiting backoff between runs. It returns ctx.Err() once ctx
// is cancelled.
func Supervise(ctx context.Context, name string, backoff time.Duration, task func(context.Context) error) error {
	for restarts := 0; ; restarts++ {
		err := task(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Debug("supervised task ended, restarting", "task", name, "restarts", restarts, "error", err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

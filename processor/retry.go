package processor

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/liamcoop/loyaltyrules/eventlog"
	"github.com/liamcoop/loyaltyrules/queue"
)

// NewRetryHandler returns the queue handler that re-appends due event
// retries to the log, where any processor can pick them up.
func NewRetryHandler(log eventlog.Log) queue.Handler {
	return func(ctx context.Context, task *queue.Task) error {
		var e eventlog.Event
		if err := task.Decode(&e); err != nil {
			return backoff.Permanent(err)
		}
		if _, err := log.Append(ctx, &e); err != nil {
			return fmt.Errorf("failed to re-append event %s: %w", e.ID, err)
		}
		return nil
	}
}

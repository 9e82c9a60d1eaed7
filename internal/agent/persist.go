package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nugget/gizmo/internal/conversation"
)

const persistTimeout = 30 * time.Second

// PersistError reports that a turn was generated and streamed but could
// not be saved. The answer is not retracted.
type PersistError struct {
	ConversationID string
	Err            error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist conversation %s: %v", e.ConversationID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// persist reconciles the working history and writes it, then the
// metadata. Each write is retried with exponential backoff; both are
// idempotent. The answer has already been streamed, so persistence
// outlives cancellation of the caller's context, bounded by
// persistTimeout.
func (l *Loop) persist(ctx context.Context, t *turn) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	id := t.req.ConversationID
	clean := conversation.Reconcile(t.history)

	backoff := func() retry.Backoff {
		return retry.WithMaxRetries(uint64(l.persistRetries), retry.NewExponential(l.persistBackoff))
	}

	attempt := 0
	err := retry.Do(ctx, backoff(), func(ctx context.Context) error {
		attempt++
		if err := l.store.SaveHistory(ctx, id, clean); err != nil {
			t.logger.Warn("save history failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		t.logger.Error("history not persisted", "attempts", attempt, "error", err)
		return &PersistError{ConversationID: id, Err: err}
	}

	attempt = 0
	err = retry.Do(ctx, backoff(), func(ctx context.Context) error {
		attempt++
		if err := l.store.SaveMetadata(ctx, id, t.created, t.resp.Answer); err != nil {
			t.logger.Warn("save metadata failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		t.logger.Error("metadata not persisted", "attempts", attempt, "error", err)
		return &PersistError{ConversationID: id, Err: err}
	}

	t.logger.Debug("conversation persisted", "turns", len(clean))
	return nil
}

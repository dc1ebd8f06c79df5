package forum

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/forum-sync/internal/errors"
)

// PostWriter is the confirming write side of optimistic actions.
// *Client satisfies it.
type PostWriter interface {
	UpdatePost(ctx context.Context, id string, req UpdatePostRequest) (*Post, error)
	DeletePost(ctx context.Context, id string) error
}

// Runner executes fn on the goroutine that owns the store. It returns
// an error if fn could not be run, for example after teardown.
// *SyncClient satisfies it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// DirectRunner runs actions on the calling goroutine. Useful when no
// SyncClient is running, and in tests.
type DirectRunner struct{}

func (DirectRunner) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

// Coordinator runs locally initiated changes with one contract: apply
// to the store at once, confirm through the writer, and roll back with
// an error notice if the write fails. On success nothing else happens
// locally; the echoed push is absorbed by the idempotent merge rules.
type Coordinator struct {
	store  *Store
	writer PostWriter
	runner Runner
	notify NoticeFunc
	logger *slog.Logger
}

// NewCoordinator wires a coordinator. notify may be nil.
func NewCoordinator(store *Store, writer PostWriter, runner Runner, notify NoticeFunc, logger *slog.Logger) *Coordinator {
	if notify == nil {
		notify = discardNotice
	}

	return &Coordinator{
		store:  store,
		writer: writer,
		runner: runner,
		notify: notify,
		logger: logger,
	}
}

// Escalate marks a post ESCALATED.
func (c *Coordinator) Escalate(ctx context.Context, id string) error {
	return c.SetStatus(ctx, id, StatusEscalated)
}

// MarkAnswered marks a post ANSWERED.
func (c *Coordinator) MarkAnswered(ctx context.Context, id string) error {
	return c.SetStatus(ctx, id, StatusAnswered)
}

func statusSuccessMessage(s Status) string {
	switch s {
	case StatusEscalated:
		return "Question marked as escalated"
	case StatusAnswered:
		return "Question marked as answered"
	default:
		return "Question status updated"
	}
}

func statusFailureMessage(s Status) string {
	if s == StatusEscalated {
		return "Failed to escalate question"
	}

	return "Failed to update question status"
}

// SetStatus changes a post's status optimistically. If the write fails
// the previous status is restored, unless the post has received a push
// or another change in the meantime. The returned error is the write error.
func (c *Coordinator) SetStatus(ctx context.Context, id string, status Status) error {
	var (
		prev  Status
		rev   uint64
		found bool
	)

	if err := c.runner.Do(ctx, func() {
		prev, rev, found = c.store.SetStatus(id, status)
	}); err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("setting status of %s: %w", id, apperrors.ErrPostNotFound)
	}

	c.logger.Debug("status applied optimistically",
		slog.String("id", id),
		slog.String("from", string(prev)),
		slog.String("to", string(status)),
	)

	_, err := c.writer.UpdatePost(ctx, id, UpdatePostRequest{Status: &status})
	if err == nil {
		c.notify(newNotice(NoticeSuccess, id, statusSuccessMessage(status)))
		return nil
	}

	c.settle(ctx, id, func() {
		if !c.store.RestoreStatus(id, rev, prev) {
			c.logger.Debug("post changed since optimistic apply, not rolled back", slog.String("id", id))
		}
	})

	c.fail(id, statusFailureMessage(status), err)

	return err
}

// Delete removes a post optimistically. If the write fails the post is
// put back where it was, unless it has been re-added since.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	var (
		removed Post
		idx     int
		found   bool
	)

	if err := c.runner.Do(ctx, func() {
		removed, idx, found = c.store.Remove(id)
	}); err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("deleting %s: %w", id, apperrors.ErrPostNotFound)
	}

	err := c.writer.DeletePost(ctx, id)
	if err == nil {
		c.notify(newNotice(NoticeSuccess, id, "Post deleted successfully"))
		return nil
	}

	c.settle(ctx, id, func() {
		c.store.Reinsert(removed, idx)
	})

	c.fail(id, "Failed to delete post", err)

	return err
}

// settle submits a rollback. It survives cancellation of the request
// context but is discarded once the runner has been torn down.
func (c *Coordinator) settle(ctx context.Context, id string, rollback func()) {
	if err := c.runner.Do(context.WithoutCancel(ctx), rollback); err != nil {
		c.logger.Debug("rollback discarded",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) fail(id, message string, err error) {
	c.logger.Warn(message,
		slog.String("id", id),
		slog.String("error", err.Error()),
	)

	n := newNotice(NoticeError, id, message)
	n.Detail = err.Error()
	n.Retryable = true
	c.notify(n)
}

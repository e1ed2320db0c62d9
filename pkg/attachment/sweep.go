package attachment

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// Messages resolves the message an attached file was bound to.
// store.MessageStore implements it.
type Messages interface {
	GetMessage(ctx context.Context, id snowflake.ID) (*model.Message, error)
}

// Sweeper reclaims files that no message references: uploads left pending
// past the grace period, released files whose removal failed earlier, and
// attached files whose message is gone or was deleted.
type Sweeper struct {
	gw       *Local
	messages Messages
	cron     string
	grace    time.Duration
	metrics  *metrics.Metrics
}

// NewSweeper builds a sweeper. With a nil messages lookup attached records
// are never reclaimed.
func NewSweeper(gw *Local, messages Messages, cron string, grace time.Duration, m *metrics.Metrics) *Sweeper {
	return &Sweeper{gw: gw, messages: messages, cron: cron, grace: grace, metrics: m}
}

// orphaned reports whether an attached record no longer backs a live
// message. Lookup failures other than not-found keep the file.
func (s *Sweeper) orphaned(ctx context.Context, r *Record) bool {
	if s.messages == nil {
		return false
	}
	if r.MessageID == 0 {
		return true
	}
	msg, err := s.messages.GetMessage(ctx, r.MessageID)
	if apperr.IsNotFound(err) {
		return true
	}
	if err != nil {
		logger.Warn("attachment_sweep_lookup_failed", "locator", r.Locator, "message_id", r.MessageID, "error", err)
		return false
	}
	if msg.IsDeleted {
		return true
	}
	att, ok := msg.Attachment()
	return !ok || att.Locator != r.Locator
}

// Sweep runs one pass and returns the number of files reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.gw.now().Add(-s.grace)
	var due []*Record
	err := s.gw.catalog.Each(func(r *Record) error {
		switch {
		case r.State == StateReleased:
			due = append(due, r)
		case r.State == StatePending && r.UpdatedAt.Before(cutoff):
			due = append(due, r)
		case r.State == StateAttached && r.UpdatedAt.Before(cutoff):
			due = append(due, r)
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, err
	}
	// attached records are checked against the message store outside the
	// catalog iteration
	kept := due[:0]
	for _, r := range due {
		if r.State != StateAttached || s.orphaned(ctx, r) {
			kept = append(kept, r)
		}
	}
	due = kept

	reclaimed := 0
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		s.gw.mu.Lock()
		// re-read under the lock; the record may have been claimed meanwhile
		cur, err := s.gw.lookup(r.Locator)
		if err == nil && cur.State == r.State && cur.MessageID == r.MessageID && cur.UpdatedAt.Equal(r.UpdatedAt) {
			err = s.gw.reclaim(cur)
			if err == nil {
				reclaimed++
				s.metrics.AttachmentSwept(string(cur.State))
			}
		}
		s.gw.mu.Unlock()
		if err != nil {
			logger.Warn("attachment_sweep_failed", "locator", r.Locator, "error", err)
		}
	}
	if reclaimed > 0 {
		logger.Info("attachment_sweep_done", "reclaimed", reclaimed)
	}
	return reclaimed, nil
}

// Start runs Sweep on the cron schedule until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cron == "" {
		return
	}
	logger.Info("attachment_sweep_enabled", "cron", s.cron, "grace", s.grace.String())
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now(), false)
		if err != nil {
			logger.Error("attachment_sweep_nexttick_failed", "cron", s.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(time.Until(next)):
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Error("attachment_sweep_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fortuna/core/types"
)

// EnqueueIssueTx inserts a deferred prize issuance in the executor's
// transaction so the outbox row and the draw commit or roll back together.
func EnqueueIssueTx(tx *gorm.DB, entry *types.OutboxEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = types.OutboxPending
	}
	if err := tx.Create(entry).Error; err != nil {
		return wrapStore(err, "enqueue issuance for draw %s", entry.DrawID)
	}
	return nil
}

// DueOutbox returns pending entries whose next attempt is due, oldest first.
func (s *Store) DueOutbox(ctx context.Context, now time.Time, limit int) ([]types.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []types.OutboxEntry
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", types.OutboxPending, now.UTC()).
		Order("next_attempt_at").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, wrapStore(err, "load due outbox entries")
	}
	return entries, nil
}

// MarkOutboxDelivered closes one entry after successful issuance and clears
// the pending flag on its draw.
func (s *Store) MarkOutboxDelivered(ctx context.Context, entryID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry types.OutboxEntry
		if err := tx.First(&entry, "id = ?", entryID).Error; err != nil {
			return wrapStore(err, "load outbox entry %s", entryID)
		}
		if err := tx.Model(&types.OutboxEntry{}).
			Where("id = ?", entryID).
			Updates(map[string]interface{}{"status": types.OutboxDelivered, "last_error": ""}).Error; err != nil {
			return wrapStore(err, "mark outbox entry %s delivered", entryID)
		}
		if err := tx.Model(&types.DrawRecord{}).
			Where("id = ?", entry.DrawID).
			Update("pending_issue", false).Error; err != nil {
			return wrapStore(err, "clear pending issue on draw %s", entry.DrawID)
		}
		return nil
	})
}

// MarkOutboxRetry schedules the next attempt after a failure.
func (s *Store) MarkOutboxRetry(ctx context.Context, entryID uuid.UUID, nextAttempt time.Time, lastErr string) error {
	if len(lastErr) > 512 {
		lastErr = lastErr[:512]
	}
	err := s.db.WithContext(ctx).Model(&types.OutboxEntry{}).
		Where("id = ?", entryID).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": nextAttempt.UTC(),
			"last_error":      lastErr,
		}).Error
	if err != nil {
		return wrapStore(err, "schedule outbox retry %s", entryID)
	}
	return nil
}

// MarkOutboxAbandoned parks an entry that exhausted its attempts. Abandoned
// entries keep their draw's pending flag for manual reconciliation.
func (s *Store) MarkOutboxAbandoned(ctx context.Context, entryID uuid.UUID, lastErr string) error {
	if len(lastErr) > 512 {
		lastErr = lastErr[:512]
	}
	err := s.db.WithContext(ctx).Model(&types.OutboxEntry{}).
		Where("id = ?", entryID).
		Updates(map[string]interface{}{"status": types.OutboxAbandoned, "last_error": lastErr}).Error
	if err != nil {
		return wrapStore(err, "abandon outbox entry %s", entryID)
	}
	return nil
}

// PendingOutboxDepth counts undelivered entries for the depth gauge.
func (s *Store) PendingOutboxDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.db.WithContext(ctx).Model(&types.OutboxEntry{}).
		Where("status = ?", types.OutboxPending).
		Count(&depth).Error
	if err != nil {
		return 0, wrapStore(err, "count pending outbox entries")
	}
	return depth, nil
}

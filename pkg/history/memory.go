package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voice-companion/pkg/errors"
)

// MemoryRecorder keeps session history in memory. This is suitable for
// development and testing; records are lost when the process exits.
type MemoryRecorder struct {
	records []Record
	err     error
	mutex   sync.RWMutex
	now     func() time.Time
}

// NewMemoryRecorder creates an empty in-memory history
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{now: time.Now}
}

// RecordSession appends a record for companionID.
func (m *MemoryRecorder) RecordSession(ctx context.Context, companionID string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "session history cancelled")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.err != nil {
		return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrPersistence, m.err), "failed to record session").
			WithField("companion_id", companionID)
	}
	m.records = append(m.records, newRecord(ctx, companionID, m.now()))
	return nil
}

// SetError makes subsequent recordings fail with err. nil restores normal
// operation.
func (m *MemoryRecorder) SetError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.err = err
}

// Recent returns up to limit records, newest first.
func (m *MemoryRecorder) Recent(limit int) []Record {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	n := len(m.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(m.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.records[i])
	}
	return out
}

// Count returns the number of recorded sessions.
func (m *MemoryRecorder) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.records)
}

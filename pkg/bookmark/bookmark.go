// Package bookmark implements the optimistic bookmark toggle on a companion card.
package bookmark

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"voice-companion/pkg/errors"
	"voice-companion/pkg/metrics"
)

// Bookmark icons.
const (
	IconBookmarked = "/icons/bookmark-filled.svg"
	IconBookmark   = "/icons/bookmark.svg"
)

// Store persists bookmarks. path is the page to revalidate after the change.
type Store interface {
	AddBookmark(ctx context.Context, companionID, path string) error
	RemoveBookmark(ctx context.Context, companionID, path string) error
}

// Toggler owns the bookmark flag of one companion card.
type Toggler struct {
	logger       *logrus.Logger
	store        Store
	companionID  string
	path         string
	onUnbookmark func(companionID string)

	toggleMu   sync.Mutex // serializes Toggle
	mu         sync.RWMutex
	bookmarked bool
}

// NewToggler creates a toggler for companionID with its initial state.
// onUnbookmark is optional and runs after a successful removal.
func NewToggler(logger *logrus.Logger, store Store, companionID, path string, bookmarked bool, onUnbookmark func(string)) *Toggler {
	return &Toggler{
		logger:       logger,
		store:        store,
		companionID:  companionID,
		path:         path,
		onUnbookmark: onUnbookmark,
		bookmarked:   bookmarked,
	}
}

// Bookmarked reports the current flag, including a tentative change in flight.
func (t *Toggler) Bookmarked() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bookmarked
}

// Icon returns the icon for the current flag.
func (t *Toggler) Icon() string {
	if t.Bookmarked() {
		return IconBookmarked
	}
	return IconBookmark
}

func (t *Toggler) set(v bool) {
	t.mu.Lock()
	t.bookmarked = v
	t.mu.Unlock()
}

// Toggle flips the flag, persists the change and reverts the flag if the store
// fails. It returns the resulting flag.
func (t *Toggler) Toggle(ctx context.Context) (bool, error) {
	t.toggleMu.Lock()
	defer t.toggleMu.Unlock()

	current := t.Bookmarked()
	target := !current
	t.set(target)

	action := "add"
	var err error
	if target {
		err = t.store.AddBookmark(ctx, t.companionID, t.path)
	} else {
		action = "remove"
		err = t.store.RemoveBookmark(ctx, t.companionID, t.path)
	}
	metrics.RecordBookmarkToggle(action, err)

	fields := logrus.Fields{
		"companion_id": t.companionID,
		"action":       action,
	}
	if err != nil {
		t.set(current)
		t.logger.WithError(err).WithFields(fields).Warn("Bookmark change failed, reverted")
		return current, errors.NewReconciliation("bookmark", fmt.Errorf("%w: %w", errors.ErrPersistence, err)).
			WithField("companion_id", t.companionID)
	}

	t.logger.WithFields(fields).Debug("Bookmark changed")
	if !target && t.onUnbookmark != nil {
		t.onUnbookmark(t.companionID)
	}
	return target, nil
}

// MemoryStore keeps bookmarks in memory
type MemoryStore struct {
	mutex       sync.RWMutex
	bookmarks   map[string]bool
	revalidated []string
}

// NewMemoryStore creates an empty bookmark store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookmarks: make(map[string]bool)}
}

// AddBookmark implements Store.
func (s *MemoryStore) AddBookmark(ctx context.Context, companionID, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.bookmarks[companionID] = true
	s.revalidated = append(s.revalidated, path)
	return nil
}

// RemoveBookmark implements Store. Removing an absent bookmark is not an error.
func (s *MemoryStore) RemoveBookmark(ctx context.Context, companionID, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.bookmarks, companionID)
	s.revalidated = append(s.revalidated, path)
	return nil
}

// IsBookmarked reports whether companionID is bookmarked.
func (s *MemoryStore) IsBookmarked(companionID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.bookmarks[companionID]
}

// Revalidated returns the paths passed with each change, oldest first.
func (s *MemoryStore) Revalidated() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.revalidated...)
}

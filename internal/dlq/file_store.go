package dlq

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradecore/internal/models"
	"tradecore/internal/repository"
	"tradecore/pkg/utils"
)

// FileStore хранит записи в одном JSON-файле. Используется в dry-run режиме.
type FileStore struct {
	path string

	mu      sync.Mutex
	entries map[string]*models.DLQEntry
}

// NewFileStore открывает файл path, загружая сохраненные записи
func NewFileStore(path string) (*FileStore, error) {
	f := &FileStore{path: path, entries: make(map[string]*models.DLQEntry)}
	if _, err := utils.ReadJSONFile(path, &f.entries); err != nil {
		return nil, fmt.Errorf("load dlq file: %w", err)
	}
	return f, nil
}

// Save вставляет или обновляет запись
func (f *FileStore) Save(_ context.Context, e *models.DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.ID] = clone(e)
	return f.flushLocked()
}

// Get возвращает копию записи
func (f *FileStore) Get(_ context.Context, id string) (*models.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, repository.ErrDLQEntryNotFound
	}
	return clone(e), nil
}

// List возвращает записи по фильтру, упорядоченные по next_retry_at
func (f *FileStore) List(_ context.Context, flt models.DLQFilter) ([]*models.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.DLQEntry
	for _, e := range f.entries {
		if !matches(e, flt) {
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out, nil
}

// Delete удаляет запись
func (f *FileStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[id]; !ok {
		return repository.ErrDLQEntryNotFound
	}
	delete(f.entries, id)
	return f.flushLocked()
}

func (f *FileStore) flushLocked() error {
	return utils.WriteJSONFile(f.path, f.entries)
}

func matches(e *models.DLQEntry, f models.DLQFilter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if e.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.DueBefore.IsZero() && e.NextRetryAt.After(f.DueBefore) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !e.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func clone(e *models.DLQEntry) *models.DLQEntry {
	dup := *e
	if e.Metadata != nil {
		dup.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fileutil "atmoslofi/internal/file"
	"atmoslofi/internal/mix"
)

// Local keeps device-scoped data as one JSON file per key under dir.
type Local struct {
	mu  sync.Mutex
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		dir = "data"
	}
	if err := fileutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (s *Local) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get reads a device setting.
func (s *Local) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v string
	found, err := fileutil.ReadJSON(s.path(key), &v)
	return v, found, err //nolint:wrapcheck
}

// Set writes a device setting.
func (s *Local) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fileutil.WriteJSONAtomic(s.path(key), value) //nolint:wrapcheck
}

func (s *Local) History(_ context.Context) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readHistory()
}

func (s *Local) SaveHistory(_ context.Context, e HistoryEntry) error {
	if e.TaskID == "" {
		return ErrEmptyTaskID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readHistory()
	if err != nil {
		return err
	}
	return fileutil.WriteJSONAtomic(s.path(HistoryKey), prependHistory(list, e)) //nolint:wrapcheck
}

func (s *Local) DeleteHistory(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readHistory()
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, h := range list {
		if h.TaskID != taskID {
			kept = append(kept, h)
		}
	}
	if len(kept) == len(list) {
		return ErrNotFound
	}
	return fileutil.WriteJSONAtomic(s.path(HistoryKey), kept) //nolint:wrapcheck
}

func (s *Local) Presets(_ context.Context) ([]mix.CustomPreset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPresets()
}

func (s *Local) SavePreset(_ context.Context, p mix.CustomPreset) error {
	if p.ID == "" {
		return ErrEmptyPresetID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readPresets()
	if err != nil {
		return err
	}
	return fileutil.WriteJSONAtomic(s.path(PresetsKey), prependPreset(list, p)) //nolint:wrapcheck
}

func (s *Local) DeletePreset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readPresets()
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, p := range list {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(list) {
		return ErrNotFound
	}
	return fileutil.WriteJSONAtomic(s.path(PresetsKey), kept) //nolint:wrapcheck
}

func (s *Local) readHistory() ([]HistoryEntry, error) {
	list := []HistoryEntry{}
	if _, err := fileutil.ReadJSON(s.path(HistoryKey), &list); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return list, nil
}

func (s *Local) readPresets() ([]mix.CustomPreset, error) {
	list := []mix.CustomPreset{}
	if _, err := fileutil.ReadJSON(s.path(PresetsKey), &list); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return list, nil
}

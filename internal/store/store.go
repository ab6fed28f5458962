package store

import (
	"context"
	"errors"
	"sort"

	"atmoslofi/internal/mix"
)

// Device-scoped keys.
const (
	HistoryKey    = "atmoslofi_history"
	PresetsKey    = "atmoslofi_custom_presets"
	OutputModeKey = "atmoslofi_output_mode"

	MaxHistory = 20
)

var (
	ErrEmptyTaskID   = errors.New("history entry has no task id")
	ErrEmptyPresetID = errors.New("preset has no id")
	ErrNotFound      = errors.New("not found")
)

// HistoryEntry is a finished conversion shown in the history list.
type HistoryEntry struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
	Preset string `json:"preset"`
	Date   string `json:"date"`
}

// Store persists history and custom presets for one scope.
type Store interface {
	History(ctx context.Context) ([]HistoryEntry, error)
	SaveHistory(ctx context.Context, e HistoryEntry) error
	DeleteHistory(ctx context.Context, taskID string) error
	Presets(ctx context.Context) ([]mix.CustomPreset, error)
	SavePreset(ctx context.Context, p mix.CustomPreset) error
	DeletePreset(ctx context.Context, id string) error
}

// Select picks exactly one backend: the identity store when the user is
// signed in and one is configured, the device store otherwise.
func Select(userID string, local *Local, remote *Redis) Store { //nolint:ireturn
	if userID != "" && remote != nil {
		return remote.ForUser(userID)
	}
	return local
}

// Recorder writes completed conversions to the store selected for the user.
type Recorder struct {
	Local  *Local
	Remote *Redis
}

func (r Recorder) For(userID string) Store { //nolint:ireturn
	return Select(userID, r.Local, r.Remote)
}

func (r Recorder) Record(ctx context.Context, userID string, e HistoryEntry) error {
	return r.For(userID).SaveHistory(ctx, e) //nolint:wrapcheck
}

// prependHistory puts e first, drops older entries with the same task and caps the list.
func prependHistory(list []HistoryEntry, e HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(list)+1)
	out = append(out, e)
	for _, h := range list {
		if h.TaskID != e.TaskID {
			out = append(out, h)
		}
	}
	if len(out) > MaxHistory {
		out = out[:MaxHistory]
	}
	return out
}

func prependPreset(list []mix.CustomPreset, p mix.CustomPreset) []mix.CustomPreset {
	out := make([]mix.CustomPreset, 0, len(list)+1)
	out = append(out, p)
	for _, c := range list {
		if c.ID != p.ID {
			out = append(out, c)
		}
	}
	return out
}

// newest first; Date is RFC3339 UTC so it orders lexically
func sortPresets(list []mix.CustomPreset) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
}

package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/noema/ucm/internal/storeerr"
)

// formatterPreferenceKey is the view_runtime_state key under which a
// session remembers the last document formatter a caller selected, so a
// restarted process resumes with the same choice instead of defaulting.
const formatterPreferenceKey = "formatter_preference"

// SetFormatterPreference durably records name as this view's preferred
// document formatter.
func (s *Session) SetFormatterPreference(ctx context.Context, name string) error {
	raw, err := json.Marshal(name)
	if err != nil {
		return storeerr.Serialization("session.SetFormatterPreference", err)
	}
	return s.deps.Turns.SetRuntimeState(ctx, s.viewID, formatterPreferenceKey, raw)
}

// FormatterPreference returns this view's previously recorded formatter
// choice, or "" if none has been set.
func (s *Session) FormatterPreference(ctx context.Context) (string, error) {
	raw, err := s.deps.Turns.GetRuntimeState(ctx, s.viewID, formatterPreferenceKey)
	if errors.Is(err, storeerr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", storeerr.Serialization("session.FormatterPreference", err)
	}
	return name, nil
}

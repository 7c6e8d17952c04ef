package core

import "github.com/dkeye/Stage/internal/domain"

type NoticeLevel string

const (
	NoticeError   NoticeLevel = "error"
	NoticeWarning NoticeLevel = "warning"
	NoticeSuccess NoticeLevel = "success"
)

// Notice is a user-facing message keyed by ID. Raising an ID that is already
// shown replaces it.
type Notice struct {
	ID         string      `json:"id"`
	Level      NoticeLevel `json:"level"`
	Message    string      `json:"message"`
	Persistent bool        `json:"persistent"`
}

type Notifier interface {
	Raise(n Notice)
	Dismiss(id string)
}

// SettingsStore persists user settings. Update replaces the value wholesale;
// on a write error the returned value is still the one in effect.
type SettingsStore interface {
	Load() domain.Settings
	Update(fn func(domain.Settings) domain.Settings) (domain.Settings, error)
}

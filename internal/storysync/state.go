package storysync

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/storysync/internal/stories"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrUnknownRef     = errors.New("unknown ref")
	ErrStoryNotFound  = errors.New("story not found")
	ErrNotImplemented = errors.New("not implemented")
)

type Status string

const (
	StatusUnconfigured        Status = "unconfigured"
	StatusFetching            Status = "fetching"
	StatusConfigured          Status = "configured"
	StatusConfiguredWithError Status = "configured_with_error"
)

// ConfigError is reported by the preview when its own configuration failed.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// StoriesError carries an error string sent along with a set-stories payload.
type StoriesError struct {
	Message string
}

func (e *StoriesError) Error() string {
	return e.Message
}

type LookupError struct {
	RefID   string
	StoryID string
	Err     error
}

func (e *LookupError) Error() string {
	if e.RefID == "" {
		return fmt.Sprintf("story %s: %v", e.StoryID, e.Err)
	}
	return fmt.Sprintf("ref %s story %s: %v", e.RefID, e.StoryID, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// State is the process-wide sync state. It is owned by a single Machine and
// only mutated through Machine handlers. SelectedRef is empty when the
// selected story is local.
type State struct {
	Status              Status
	StoriesConfigured   bool
	StoriesFailed       error
	HasCalledSetOptions bool
	StoryID             string
	ViewMode            string
	SelectedRef         string
	Hash                *stories.Hash
	Refs                *RefRegistry

	// Generation identifies the newest index fetch. Results carrying an
	// older generation are discarded.
	Generation uint64
}

func NewState() *State {
	return &State{
		Status: StatusUnconfigured,
		Hash:   stories.NewHash(),
		Refs:   NewRefRegistry(),
	}
}

func (s *State) Selection() stories.Selection {
	return stories.Selection{ID: s.StoryID, ViewMode: s.ViewMode, RefID: s.SelectedRef}
}

// View is a copy of State that is safe to hand to readers outside the
// machine.
type View struct {
	Status              Status         `json:"status"`
	StoriesConfigured   bool           `json:"storiesConfigured"`
	StoriesFailed       string         `json:"storiesFailed,omitempty"`
	HasCalledSetOptions bool           `json:"hasCalledSetOptions"`
	StoryID             string         `json:"storyId,omitempty"`
	ViewMode            string         `json:"viewMode,omitempty"`
	SelectedRef         string         `json:"selectedRef,omitempty"`
	Generation          uint64         `json:"generation"`
	Stories             *stories.Hash  `json:"stories"`
	Refs                map[string]Ref `json:"refs,omitempty"`
}

func (s *State) View() View {
	view := View{
		Status:              s.Status,
		StoriesConfigured:   s.StoriesConfigured,
		HasCalledSetOptions: s.HasCalledSetOptions,
		StoryID:             s.StoryID,
		ViewMode:            s.ViewMode,
		SelectedRef:         s.SelectedRef,
		Generation:          s.Generation,
		Stories:             s.Hash.Clone(),
		Refs:                s.Refs.Snapshot(),
	}
	if s.StoriesFailed != nil {
		view.StoriesFailed = s.StoriesFailed.Error()
	}
	return view
}

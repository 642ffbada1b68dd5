package storysync

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/storysync/internal/channel"
	"github.com/agentworkforce/storysync/internal/stories"
)

type EventKind string

const (
	EventIndexInvalidated EventKind = "storyIndexInvalidated"
	EventStoryPrepared    EventKind = "storyPrepared"
	EventStorySpecified   EventKind = "storySpecified"
	EventStoryArgsUpdated EventKind = "storyArgsUpdated"
	EventSetStories       EventKind = "setStories"
	EventConfigError      EventKind = "configError"

	// EventIndexFetched is produced by the runtime when a fetch completes;
	// it never arrives over the channel.
	EventIndexFetched EventKind = "indexFetched"
)

const (
	MessageUpdateStoryArgs = "updateStoryArgs"
	MessageResetStoryArgs  = "resetStoryArgs"
)

type Event struct {
	Kind    EventKind
	Source  channel.Source
	Payload any
}

type StoryPrepared struct {
	ID         string         `json:"id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}

type StorySpecified struct {
	StoryID  string `json:"storyId"`
	ViewMode string `json:"viewMode"`
}

type StoryArgsUpdated struct {
	StoryID string         `json:"storyId"`
	Args    map[string]any `json:"args"`
}

type ConfigErrorPayload struct {
	Message string `json:"message"`
}

type IndexFetched struct {
	Generation uint64
	Index      stories.StoryIndex
	Err        error
}

// DecodeMessage turns an inbound channel message into an event.
func DecodeMessage(msg channel.Message) (Event, error) {
	event := Event{Kind: EventKind(msg.Type), Source: msg.SourceOrLocal()}
	var err error
	switch event.Kind {
	case EventIndexInvalidated:
	case EventStoryPrepared:
		var payload StoryPrepared
		err = decodePayload(msg.Payload, &payload)
		event.Payload = payload
	case EventStorySpecified:
		var payload StorySpecified
		err = decodePayload(msg.Payload, &payload)
		event.Payload = payload
	case EventStoryArgsUpdated:
		var payload StoryArgsUpdated
		err = decodePayload(msg.Payload, &payload)
		event.Payload = payload
	case EventSetStories:
		event.Payload, err = stories.ParseSetStories(orEmptyObject(msg.Payload))
	case EventConfigError:
		var payload ConfigErrorPayload
		err = decodePayload(msg.Payload, &payload)
		event.Payload = payload
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Type)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return event, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(orEmptyObject(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func orEmptyObject(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// Command is an effect requested by a handler. Handlers never perform
// effects themselves.
type Command interface {
	command()
}

type Navigate struct {
	Path string
}

type Emit struct {
	Message channel.Message
}

type SetOptions struct {
	Options any
}

type SetRef struct {
	RefID   string
	Payload RefSetStories
	Ready   bool
}

type UpdateRef struct {
	RefID string
	Patch RefPatch
}

type FetchIndex struct {
	Generation uint64
}

type SaveSnapshot struct {
	Hash *stories.Hash
}

func (Navigate) command()     {}
func (Emit) command()         {}
func (SetOptions) command()   {}
func (SetRef) command()       {}
func (UpdateRef) command()    {}
func (FetchIndex) command()   {}
func (SaveSnapshot) command() {}

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TargetLocal     = "storybook-preview-iframe"
	refTargetPrefix = "storybook-ref-"
)

var (
	ErrClosed        = errors.New("channel closed")
	ErrUnknownTarget = errors.New("unknown target")
	ErrInvalidInput  = errors.New("invalid input")
)

type SourceType string

const (
	SourceLocal    SourceType = "local"
	SourceExternal SourceType = "external"
)

// Source identifies where an inbound message came from. The transport sets
// it; senders cannot choose it.
type Source struct {
	Type  SourceType `json:"sourceType"`
	RefID string     `json:"refId,omitempty"`
}

func LocalSource() Source {
	return Source{Type: SourceLocal}
}

func RefSource(refID string) Source {
	return Source{Type: SourceExternal, RefID: refID}
}

func (s Source) IsLocal() bool {
	return s.Type != SourceExternal
}

type Options struct {
	Target string `json:"target,omitempty"`
}

// Message is the envelope exchanged with previews and refs.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Source  *Source         `json:"source,omitempty"`
	Options *Options        `json:"options,omitempty"`
}

func NewMessage(messageType string, payload any, target string) (Message, error) {
	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return Message{}, ErrInvalidInput
	}
	msg := Message{Type: messageType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", messageType, err)
		}
		msg.Payload = raw
	}
	if target != "" {
		msg.Options = &Options{Target: target}
	}
	return msg, nil
}

// Target returns the routing target, defaulting to the local preview.
func (m Message) Target() string {
	if m.Options == nil || strings.TrimSpace(m.Options.Target) == "" {
		return TargetLocal
	}
	return strings.TrimSpace(m.Options.Target)
}

// SourceOrLocal returns the tagged source, or the local source when the
// message was never tagged.
func (m Message) SourceOrLocal() Source {
	if m.Source == nil {
		return LocalSource()
	}
	return *m.Source
}

func RefTarget(refID string) string {
	return refTargetPrefix + refID
}

// TargetFor returns the target that reaches the renderer owning a story.
func TargetFor(refID string) string {
	if strings.TrimSpace(refID) == "" {
		return TargetLocal
	}
	return RefTarget(refID)
}

// ParseTarget reports the ref id addressed by target; ok is false for targets
// that are neither local nor ref-scoped.
func ParseTarget(target string) (refID string, ok bool) {
	if target == TargetLocal {
		return "", true
	}
	if strings.HasPrefix(target, refTargetPrefix) && len(target) > len(refTargetPrefix) {
		return strings.TrimPrefix(target, refTargetPrefix), true
	}
	return "", false
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Receiver interface {
	Receive(ctx context.Context) (Message, error)
}

// Conn is one bidirectional message stream.
type Conn interface {
	Sender
	Receiver
	Close() error
}

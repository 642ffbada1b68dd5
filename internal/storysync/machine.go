package storysync

import (
	"fmt"

	"github.com/agentworkforce/storysync/internal/channel"
	"github.com/agentworkforce/storysync/internal/stories"
)

type Logger interface {
	Printf(format string, args ...any)
}

type MachineOptions struct {
	ShowRoots bool
	Logger    Logger
}

type handler func(state *State, event Event) ([]Command, error)

// Machine applies events to a State. It performs no I/O: every effect is
// returned as a Command for the caller to execute.
type Machine struct {
	showRoots bool
	logger    Logger
	handlers  map[EventKind]handler
}

func NewMachine(opts MachineOptions) *Machine {
	m := &Machine{
		showRoots: opts.ShowRoots,
		logger:    opts.Logger,
	}
	m.handlers = map[EventKind]handler{
		EventIndexInvalidated: m.handleIndexInvalidated,
		EventIndexFetched:     m.handleIndexFetched,
		EventStoryPrepared:    m.handleStoryPrepared,
		EventStorySpecified:   m.handleStorySpecified,
		EventStoryArgsUpdated: m.handleStoryArgsUpdated,
		EventSetStories:       m.handleSetStories,
		EventConfigError:      m.handleConfigError,
	}
	return m
}

// Start begins the first index fetch.
func (m *Machine) Start(state *State) []Command {
	return m.beginFetch(state)
}

// Handle applies one event. A returned error means the event was rejected and
// state is unchanged.
func (m *Machine) Handle(state *State, event Event) ([]Command, error) {
	h, ok := m.handlers[event.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event.Kind)
	}
	return h(state, event)
}

func (m *Machine) beginFetch(state *State) []Command {
	state.Generation++
	state.Status = StatusFetching
	return []Command{FetchIndex{Generation: state.Generation}}
}

func (m *Machine) handleIndexInvalidated(state *State, event Event) ([]Command, error) {
	return m.beginFetch(state), nil
}

func (m *Machine) handleIndexFetched(state *State, event Event) ([]Command, error) {
	result, ok := event.Payload.(IndexFetched)
	if !ok {
		return nil, payloadError(event)
	}
	if result.Generation != state.Generation {
		m.logf("discarding stale index fetch %d (current %d)", result.Generation, state.Generation)
		return nil, nil
	}
	state.StoriesConfigured = true
	if result.Err != nil {
		state.StoriesFailed = result.Err
		state.Status = StatusConfiguredWithError
		return nil, nil
	}
	hash, _ := stories.FromIndex(result.Index, stories.Options{ShowRoots: m.showRoots, Logger: m.logger})
	state.Hash = hash
	state.StoriesFailed = nil
	state.Status = StatusConfigured
	return []Command{SaveSnapshot{Hash: hash.Clone()}}, nil
}

func (m *Machine) handleStoryPrepared(state *State, event Event) ([]Command, error) {
	payload, ok := event.Payload.(StoryPrepared)
	if !ok {
		return nil, payloadError(event)
	}
	hash, err := hashFor(state, event.Source, payload.ID)
	if err != nil {
		return nil, err
	}
	node, _ := hash.Get(payload.ID)
	node.Prepared = true
	if payload.Parameters != nil {
		node.Parameters = payload.Parameters
	}
	if payload.Args != nil {
		node.Args = payload.Args
	}

	if !event.Source.IsLocal() {
		ready := true
		if _, err := state.Refs.Update(event.Source.RefID, RefPatch{Ready: &ready}); err != nil {
			return nil, err
		}
		return []Command{
			UpdateRef{RefID: event.Source.RefID, Patch: RefPatch{Stories: hash.Clone()}},
			UpdateRef{RefID: event.Source.RefID, Patch: RefPatch{Ready: &ready}},
		}, nil
	}

	if state.HasCalledSetOptions {
		return nil, nil
	}
	state.HasCalledSetOptions = true
	if options, ok := node.Parameters["options"]; ok && options != nil {
		return []Command{SetOptions{Options: options}}, nil
	}
	return nil, nil
}

func (m *Machine) handleStorySpecified(state *State, event Event) ([]Command, error) {
	payload, ok := event.Payload.(StorySpecified)
	if !ok {
		return nil, payloadError(event)
	}
	if !event.Source.IsLocal() || payload.StoryID == "" {
		return nil, nil
	}
	if stories.IsSettingsViewMode(state.ViewMode) {
		return nil, nil
	}
	viewMode := payload.ViewMode
	if viewMode == "" {
		viewMode = stories.ViewModeStory
	}
	if state.SelectedRef == "" && state.StoryID == payload.StoryID && state.ViewMode == viewMode {
		return nil, nil
	}
	selection := stories.Selection{ID: payload.StoryID, ViewMode: viewMode}
	return []Command{Navigate{Path: selection.Path()}}, nil
}

func (m *Machine) handleStoryArgsUpdated(state *State, event Event) ([]Command, error) {
	payload, ok := event.Payload.(StoryArgsUpdated)
	if !ok {
		return nil, payloadError(event)
	}
	hash, err := hashFor(state, event.Source, payload.StoryID)
	if err != nil {
		return nil, err
	}
	node, _ := hash.Get(payload.StoryID)
	node.Args = payload.Args
	if event.Source.IsLocal() {
		return nil, nil
	}
	return []Command{UpdateRef{RefID: event.Source.RefID, Patch: RefPatch{Stories: hash.Clone()}}}, nil
}

func (m *Machine) handleSetStories(state *State, event Event) ([]Command, error) {
	payload, ok := event.Payload.(stories.SetStoriesPayload)
	if !ok {
		return nil, payloadError(event)
	}
	entries := stories.Denormalize(payload)

	if !event.Source.IsLocal() {
		refID := event.Source.RefID
		if refID == "" {
			return nil, fmt.Errorf("%w: external set-stories without ref id", ErrInvalidInput)
		}
		hash, _ := stories.FromKinds(entries, stories.Options{ShowRoots: m.showRoots, RefID: refID, Logger: m.logger})
		refPayload := RefSetStories{
			ID:               refID,
			V:                payload.V,
			GlobalParameters: payload.GlobalParameters,
			KindParameters:   payload.KindParameters,
			Stories:          entries,
		}
		state.Refs.Set(refID, hash, &refPayload, true)
		return []Command{SetRef{RefID: refID, Payload: refPayload, Ready: true}}, nil
	}

	state.StoriesConfigured = true
	if payload.Error != "" {
		state.StoriesFailed = &StoriesError{Message: payload.Error}
		state.Status = StatusConfiguredWithError
		return nil, nil
	}
	hash, _ := stories.FromKinds(entries, stories.Options{ShowRoots: m.showRoots, Logger: m.logger})
	state.Hash = hash
	state.StoriesFailed = nil
	state.Status = StatusConfigured

	commands := []Command{SaveSnapshot{Hash: hash.Clone()}}
	if payload.V == 2 {
		if node, ok := hash.Get(state.StoryID); ok {
			if options, ok := node.Parameters["options"]; ok && options != nil {
				commands = append(commands, SetOptions{Options: options})
			}
		}
	}
	return commands, nil
}

func (m *Machine) handleConfigError(state *State, event Event) ([]Command, error) {
	payload, ok := event.Payload.(ConfigErrorPayload)
	if !ok {
		return nil, payloadError(event)
	}
	state.StoriesConfigured = true
	state.StoriesFailed = &ConfigError{Message: payload.Message}
	state.Status = StatusConfiguredWithError
	return nil, nil
}

// SelectStory resolves a selection request against the local hash, or the
// hash of refID, and navigates when it resolves. Without kindOrID the
// request is relative to the current story, wherever it lives.
func (m *Machine) SelectStory(state *State, kindOrID, name, refID string) ([]Command, error) {
	if kindOrID == "" && refID == "" {
		refID = state.SelectedRef
	}
	hash := state.Hash
	if refID != "" {
		ref, ok := state.Refs.Get(refID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRef, refID)
		}
		hash = ref.Stories
	}
	selection, ok := stories.Resolve(hash, kindOrID, name, state.Selection())
	if !ok {
		m.logf("no story matches %q %q", kindOrID, name)
		return nil, nil
	}
	return []Command{Navigate{Path: selection.Path()}}, nil
}

// JumpToStory moves linearly through the stories of the hash the current
// selection belongs to.
func (m *Machine) JumpToStory(state *State, direction int) []Command {
	hash := selectedHash(state)
	id, ok := stories.LinearJump(hash, state.StoryID, direction)
	if !ok {
		return nil
	}
	return m.navigateTo(state, hash, id)
}

// JumpToComponent moves to the first story of a neighbouring component.
func (m *Machine) JumpToComponent(state *State, direction int) []Command {
	hash := selectedHash(state)
	id, ok := stories.ComponentJump(hash, state.StoryID, direction)
	if !ok {
		return nil
	}
	return m.navigateTo(state, hash, id)
}

func (m *Machine) navigateTo(state *State, hash *stories.Hash, id string) []Command {
	selection, ok := stories.Resolve(hash, id, "", state.Selection())
	if !ok {
		return nil
	}
	return []Command{Navigate{Path: selection.Path()}}
}

func selectedHash(state *State) *stories.Hash {
	if state.SelectedRef == "" {
		return state.Hash
	}
	ref, ok := state.Refs.Get(state.SelectedRef)
	if !ok {
		return stories.NewHash()
	}
	return ref.Stories
}

func hashFor(state *State, source channel.Source, storyID string) (*stories.Hash, error) {
	hash := state.Hash
	if !source.IsLocal() {
		ref, ok := state.Refs.Get(source.RefID)
		if !ok {
			return nil, &LookupError{RefID: source.RefID, StoryID: storyID, Err: ErrUnknownRef}
		}
		hash = ref.Stories
	}
	node, ok := hash.Get(storyID)
	if !ok || !node.IsEntry() {
		return nil, &LookupError{RefID: source.RefID, StoryID: storyID, Err: ErrStoryNotFound}
	}
	return hash, nil
}

func payloadError(event Event) error {
	return fmt.Errorf("%w: unexpected %T payload for %s", ErrInvalidInput, event.Payload, event.Kind)
}

func (m *Machine) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

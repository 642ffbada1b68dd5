package storysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/storysync/internal/channel"
	"github.com/agentworkforce/storysync/internal/stories"
)

// Collaborators receives the effects that leave the sync layer.
type Collaborators interface {
	Navigate(path string)
	SetOptions(options any)
	SetRef(refID string, payload RefSetStories, ready bool)
	UpdateRef(refID string, patch RefPatch)
}

// SnapshotStore keeps the last index that loaded successfully.
type SnapshotStore interface {
	Load() (*stories.Hash, error)
	Save(hash *stories.Hash) error
}

type ManagerOptions struct {
	Fetcher       IndexFetcher
	Sender        channel.Sender
	Collaborators Collaborators
	Snapshots     SnapshotStore
	ShowRoots     bool
	FetchTimeout  time.Duration
	Logger        Logger
}

// Manager serializes events into a Machine and executes the commands it
// returns. Commands run outside the lock; index fetches run in the
// background and report back as events.
type Manager struct {
	machine       *Machine
	fetcher       IndexFetcher
	sender        channel.Sender
	collaborators Collaborators
	snapshots     SnapshotStore
	fetchTimeout  time.Duration
	logger        Logger

	mu      sync.Mutex
	state   *State
	baseCtx context.Context

	fetches sync.WaitGroup
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("%w: index fetcher is required", ErrInvalidInput)
	}
	collaborators := opts.Collaborators
	if collaborators == nil {
		collaborators = nopCollaborators{}
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Manager{
		machine:       NewMachine(MachineOptions{ShowRoots: opts.ShowRoots, Logger: opts.Logger}),
		fetcher:       opts.Fetcher,
		sender:        opts.Sender,
		collaborators: collaborators,
		snapshots:     opts.Snapshots,
		fetchTimeout:  fetchTimeout,
		logger:        opts.Logger,
		state:         NewState(),
		baseCtx:       context.Background(),
	}, nil
}

// DeclareRef registers a configured ref so events from it can be matched
// before it announces any stories.
func (m *Manager) DeclareRef(id, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Refs.Declare(id, url)
}

// Start preloads the last snapshot, if any, and begins the first fetch.
// Background fetches stop when ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	var preloaded *stories.Hash
	if m.snapshots != nil {
		hash, err := m.snapshots.Load()
		if err != nil {
			m.logf("snapshot load failed: %v", err)
		} else {
			preloaded = hash
		}
	}

	m.mu.Lock()
	m.baseCtx = ctx
	if preloaded != nil && preloaded.Len() > 0 {
		m.state.Hash = preloaded
		m.logf("preloaded %d nodes from snapshot", preloaded.Len())
	}
	commands := m.machine.Start(m.state)
	m.mu.Unlock()

	return m.execute(ctx, commands)
}

// Dispatch applies one event and executes the resulting commands.
func (m *Manager) Dispatch(ctx context.Context, event Event) error {
	m.mu.Lock()
	commands, err := m.machine.Handle(m.state, event)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.execute(ctx, commands)
}

// HandleMessage decodes and dispatches one inbound channel message.
func (m *Manager) HandleMessage(ctx context.Context, msg channel.Message) error {
	event, err := DecodeMessage(msg)
	if err != nil {
		return err
	}
	return m.Dispatch(ctx, event)
}

// Run consumes messages until ctx is done or rx closes. Handler errors are
// logged and never stop the loop.
func (m *Manager) Run(ctx context.Context, rx channel.Receiver) error {
	for {
		msg, err := rx.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := m.HandleMessage(ctx, msg); err != nil {
			m.logf("%s event rejected: %v", msg.Type, err)
		}
	}
}

func (m *Manager) Invalidate(ctx context.Context) error {
	return m.Dispatch(ctx, Event{Kind: EventIndexInvalidated, Source: channel.LocalSource()})
}

// SetSelection records where the router currently is. refID is empty for
// local stories.
func (m *Manager) SetSelection(storyID, viewMode, refID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.StoryID = storyID
	m.state.ViewMode = viewMode
	m.state.SelectedRef = refID
}

func (m *Manager) HasRef(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.Refs.Get(id)
	return ok
}

func (m *Manager) SelectStory(ctx context.Context, kindOrID, name, refID string) error {
	m.mu.Lock()
	commands, err := m.machine.SelectStory(m.state, kindOrID, name, refID)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.execute(ctx, commands)
}

func (m *Manager) JumpToStory(ctx context.Context, direction int) error {
	m.mu.Lock()
	commands := m.machine.JumpToStory(m.state, direction)
	m.mu.Unlock()
	return m.execute(ctx, commands)
}

func (m *Manager) JumpToComponent(ctx context.Context, direction int) error {
	m.mu.Lock()
	commands := m.machine.JumpToComponent(m.state, direction)
	m.mu.Unlock()
	return m.execute(ctx, commands)
}

// UpdateArgs sends an args patch to the renderer owning the story. refID is
// empty for local stories.
func (m *Manager) UpdateArgs(ctx context.Context, storyID, refID string, patch map[string]any) error {
	node, err := m.lookup(storyID, refID)
	if err != nil {
		return err
	}
	command, err := UpdateArgs(node, patch)
	if err != nil {
		return err
	}
	return m.execute(ctx, []Command{command})
}

func (m *Manager) ResetArgs(ctx context.Context, storyID, refID string, argNames []string) error {
	node, err := m.lookup(storyID, refID)
	if err != nil {
		return err
	}
	command, err := ResetArgs(node, argNames)
	if err != nil {
		return err
	}
	return m.execute(ctx, []Command{command})
}

func (m *Manager) lookup(storyID, refID string) (*stories.Node, error) {
	source := channel.LocalSource()
	if refID != "" {
		source = channel.RefSource(refID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, err := hashFor(m.state, source, storyID)
	if err != nil {
		return nil, err
	}
	node, _ := hash.Get(storyID)
	return node.Clone(), nil
}

// View returns a copy of the current state.
func (m *Manager) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.View()
}

func (m *Manager) Ref(id string) (Ref, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.state.Refs.Get(id)
	if !ok {
		return Ref{}, false
	}
	clone := *ref
	clone.Stories = ref.Stories.Clone()
	return clone, true
}

// Wait blocks until background fetches have reported back.
func (m *Manager) Wait() {
	m.fetches.Wait()
}

func (m *Manager) execute(ctx context.Context, commands []Command) error {
	var errs []error
	for _, command := range commands {
		switch c := command.(type) {
		case Navigate:
			m.collaborators.Navigate(c.Path)
		case SetOptions:
			m.collaborators.SetOptions(c.Options)
		case SetRef:
			m.collaborators.SetRef(c.RefID, c.Payload, c.Ready)
		case UpdateRef:
			m.collaborators.UpdateRef(c.RefID, c.Patch)
		case Emit:
			if m.sender == nil {
				errs = append(errs, fmt.Errorf("emit %s: %w", c.Message.Type, channel.ErrUnknownTarget))
				continue
			}
			if err := m.sender.Send(ctx, c.Message); err != nil {
				errs = append(errs, fmt.Errorf("emit %s: %w", c.Message.Type, err))
			}
		case SaveSnapshot:
			if m.snapshots == nil {
				continue
			}
			if err := m.snapshots.Save(c.Hash); err != nil {
				m.logf("snapshot save failed: %v", err)
			}
		case FetchIndex:
			m.fetches.Add(1)
			go m.fetch(c.Generation)
		default:
			errs = append(errs, fmt.Errorf("%w: command %T", ErrNotImplemented, command))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) fetch(generation uint64) {
	defer m.fetches.Done()
	m.mu.Lock()
	base := m.baseCtx
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, m.fetchTimeout)
	defer cancel()
	index, err := m.fetcher.FetchIndex(ctx)
	if err != nil {
		m.logf("index fetch failed: %v", err)
	}
	result := Event{
		Kind:    EventIndexFetched,
		Source:  channel.LocalSource(),
		Payload: IndexFetched{Generation: generation, Index: index, Err: err},
	}
	if dispatchErr := m.Dispatch(context.WithoutCancel(base), result); dispatchErr != nil {
		m.logf("index fetch result rejected: %v", dispatchErr)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

type nopCollaborators struct{}

func (nopCollaborators) Navigate(string)                    {}
func (nopCollaborators) SetOptions(any)                     {}
func (nopCollaborators) SetRef(string, RefSetStories, bool) {}
func (nopCollaborators) UpdateRef(string, RefPatch)         {}

package storysync

import (
	"errors"
	"reflect"
	"testing"

	"github.com/agentworkforce/storysync/internal/channel"
	"github.com/agentworkforce/storysync/internal/stories"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

func indexOf(entries ...stories.IndexEntry) stories.StoryIndex {
	m := orderedmap.New[string, stories.IndexEntry]()
	for _, entry := range entries {
		m.Set(entry.ID, entry)
	}
	return stories.StoryIndex{V: 4, Entries: m}
}

func twoEntryIndex() stories.StoryIndex {
	return indexOf(
		stories.IndexEntry{ID: "component-a--story-1", Title: "Component A", Name: "Story 1", ImportPath: "./a.ts"},
		stories.IndexEntry{ID: "component-b--story-2", Title: "Component B", Name: "Story 2", ImportPath: "./b.ts"},
	)
}

func configuredState(t *testing.T, m *Machine, index stories.StoryIndex) *State {
	t.Helper()
	state := NewState()
	commands := m.Start(state)
	fetch, ok := commands[0].(FetchIndex)
	if !ok {
		t.Fatalf("expected start to fetch the index, got %#v", commands)
	}
	if _, err := m.Handle(state, Event{Kind: EventIndexFetched, Payload: IndexFetched{Generation: fetch.Generation, Index: index}}); err != nil {
		t.Fatalf("index fetched failed: %v", err)
	}
	return state
}

func TestMachineStartFetchesAndConfigures(t *testing.T) {
	m := NewMachine(MachineOptions{ShowRoots: true})
	state := NewState()
	commands := m.Start(state)
	if state.Status != StatusFetching || len(commands) != 1 {
		t.Fatalf("expected fetching with one command, got %s %#v", state.Status, commands)
	}
	fetch := commands[0].(FetchIndex)
	commands, err := m.Handle(state, Event{Kind: EventIndexFetched, Payload: IndexFetched{Generation: fetch.Generation, Index: twoEntryIndex()}})
	if err != nil {
		t.Fatalf("handle fetched failed: %v", err)
	}
	if state.Status != StatusConfigured || !state.StoriesConfigured || state.StoriesFailed != nil {
		t.Fatalf("unexpected state after fetch: %+v", state)
	}
	want := []string{"component-a", "component-a--story-1", "component-b", "component-b--story-2"}
	if got := state.Hash.IDs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected hash keys %v", got)
	}
	if len(commands) != 1 {
		t.Fatalf("expected a snapshot save, got %#v", commands)
	}
	if _, ok := commands[0].(SaveSnapshot); !ok {
		t.Fatalf("expected a snapshot save, got %#v", commands[0])
	}
}

func TestMachineFetchFailureKeepsHash(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := configuredState(t, m, twoEntryIndex())
	commands, _ := m.Handle(state, Event{Kind: EventIndexInvalidated})
	fetch := commands[0].(FetchIndex)

	failure := &HTTPError{StatusCode: 500, Message: "sorting error"}
	if _, err := m.Handle(state, Event{Kind: EventIndexFetched, Payload: IndexFetched{Generation: fetch.Generation, Err: failure}}); err != nil {
		t.Fatalf("handle failure failed: %v", err)
	}
	if state.Status != StatusConfiguredWithError || !state.StoriesConfigured {
		t.Fatalf("unexpected state after failure: %+v", state)
	}
	if state.StoriesFailed == nil || state.StoriesFailed.Error() != "sorting error" {
		t.Fatalf("expected body text as error, got %v", state.StoriesFailed)
	}
	if state.Hash.Len() != 4 {
		t.Fatalf("expected previous hash to be retained, got %v", state.Hash.IDs())
	}
}

func TestMachineInvalidationReplacesHashWholesale(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := configuredState(t, m, twoEntryIndex())
	commands, err := m.Handle(state, Event{Kind: EventIndexInvalidated})
	if err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	fetch := commands[0].(FetchIndex)
	single := indexOf(stories.IndexEntry{ID: "component-c--story-4", Title: "Component C", Name: "Story 4"})
	if _, err := m.Handle(state, Event{Kind: EventIndexFetched, Payload: IndexFetched{Generation: fetch.Generation, Index: single}}); err != nil {
		t.Fatalf("refetch failed: %v", err)
	}
	if got := state.Hash.IDs(); !reflect.DeepEqual(got, []string{"component-c", "component-c--story-4"}) {
		t.Fatalf("expected only the new index, got %v", got)
	}
}

func TestMachineDiscardsStaleFetch(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := NewState()
	first := m.Start(state)[0].(FetchIndex)
	second, _ := m.Handle(state, Event{Kind: EventIndexInvalidated})
	newer := second[0].(FetchIndex)

	single := indexOf(stories.IndexEntry{ID: "new--one", Title: "New", Name: "One"})
	if _, err := m.Handle(state, Event{Kind: EventIndexFetched, Payload: IndexFetched{Generation: newer.Generation, Index: single}}); err != nil {
		t.Fatalf("newer fetch failed: %v", err)
	}
	commands, err := m.Handle(state, Event{Kind: EventIndexFetched, Payload: IndexFetched{Generation: first.Generation, Index: twoEntryIndex()}})
	if err != nil || len(commands) != 0 {
		t.Fatalf("expected stale result to be ignored, got %#v %v", commands, err)
	}
	if got := state.Hash.IDs(); !reflect.DeepEqual(got, []string{"new", "new--one"}) {
		t.Fatalf("stale fetch clobbered the hash: %v", got)
	}
}

func TestMachineStoryPreparedSetsOptionsOnce(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := configuredState(t, m, twoEntryIndex())

	commands, err := m.Handle(state, Event{Kind: EventStoryPrepared, Payload: StoryPrepared{
		ID:         "component-a--story-1",
		Parameters: map[string]any{"options": "first"},
		Args:       map[string]any{"a": "b"},
	}})
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if !reflect.DeepEqual(commands, []Command{SetOptions{Options: "first"}}) {
		t.Fatalf("expected set options, got %#v", commands)
	}
	if !state.HasCalledSetOptions {
		t.Fatalf("expected one-shot flag to be set")
	}
	node, _ := state.Hash.Get("component-a--story-1")
	if !node.Prepared || node.Args["a"] != "b" || node.Parameters["options"] != "first" {
		t.Fatalf("unexpected prepared node: %+v", node)
	}

	commands, _ = m.Handle(state, Event{Kind: EventStoryPrepared, Payload: StoryPrepared{
		ID:         "component-b--story-2",
		Parameters: map[string]any{"options": "second"},
	}})
	if len(commands) != 0 {
		t.Fatalf("expected options to be set only once, got %#v", commands)
	}
}

func TestMachineStoryPreparedUnknownStory(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := configuredState(t, m, twoEntryIndex())
	_, err := m.Handle(state, Event{Kind: EventStoryPrepared, Payload: StoryPrepared{ID: "missing"}})
	if !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected story not found, got %v", err)
	}
	if state.HasCalledSetOptions {
		t.Fatalf("rejected event must not change state")
	}
	_, err = m.Handle(state, Event{Kind: EventStoryPrepared, Source: channel.RefSource("nowhere"), Payload: StoryPrepared{ID: "component-a--story-1"}})
	if !errors.Is(err, ErrUnknownRef) {
		t.Fatalf("expected unknown ref, got %v", err)
	}
}

func refState(t *testing.T, m *Machine) *State {
	t.Helper()
	state := NewState()
	entries := stories.NewKindEntries()
	entries.Set("a--1", stories.KindEntry{Kind: "a", Name: "1"})
	_, err := m.Handle(state, Event{Kind: EventSetStories, Source: channel.RefSource("ref"), Payload: stories.SetStoriesPayload{Stories: entries}})
	if err != nil {
		t.Fatalf("ref set-stories failed: %v", err)
	}
	return state
}

func TestMachineStoryPreparedForRefMarksReady(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := refState(t, m)
	ref, _ := state.Refs.Get("ref")
	ref.Ready = false

	commands, err := m.Handle(state, Event{Kind: EventStoryPrepared, Source: channel.RefSource("ref"), Payload: StoryPrepared{
		ID:   "a--1",
		Args: map[string]any{"c": "d"},
	}})
	if err != nil {
		t.Fatalf("ref prepare failed: %v", err)
	}
	if len(commands) != 2 {
		t.Fatalf("expected stories and readiness updates, got %#v", commands)
	}
	storiesUpdate := commands[0].(UpdateRef)
	node, _ := storiesUpdate.Patch.Stories.Get("a--1")
	if storiesUpdate.RefID != "ref" || !node.Prepared || node.Args["c"] != "d" {
		t.Fatalf("unexpected stories update: %+v", storiesUpdate)
	}
	readyUpdate := commands[1].(UpdateRef)
	if readyUpdate.Patch.Ready == nil || !*readyUpdate.Patch.Ready {
		t.Fatalf("expected ready update, got %+v", readyUpdate)
	}
	if !ref.Ready {
		t.Fatalf("expected ref to be marked ready")
	}
	if state.HasCalledSetOptions {
		t.Fatalf("ref preparation must not consume the local set options")
	}
	if state.Hash.Len() != 0 {
		t.Fatalf("ref stories must not leak into the local hash")
	}
}

func TestMachineStorySpecified(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := NewState()
	commands, _ := m.Handle(state, Event{Kind: EventStorySpecified, Payload: StorySpecified{StoryID: "a--1", ViewMode: "story"}})
	if !reflect.DeepEqual(commands, []Command{Navigate{Path: "/story/a--1"}}) {
		t.Fatalf("expected navigation, got %#v", commands)
	}

	state.StoryID, state.ViewMode = "a--1", "story"
	commands, _ = m.Handle(state, Event{Kind: EventStorySpecified, Payload: StorySpecified{StoryID: "a--1", ViewMode: "story"}})
	if len(commands) != 0 {
		t.Fatalf("expected no navigation to the current story, got %#v", commands)
	}

	state.StoryID, state.ViewMode = "about", "settings"
	commands, _ = m.Handle(state, Event{Kind: EventStorySpecified, Payload: StorySpecified{StoryID: "a--1", ViewMode: "story"}})
	if len(commands) != 0 {
		t.Fatalf("expected no navigation away from settings, got %#v", commands)
	}

	state.StoryID, state.ViewMode = "", ""
	commands, _ = m.Handle(state, Event{Kind: EventStorySpecified, Source: channel.RefSource("ref"), Payload: StorySpecified{StoryID: "a--1", ViewMode: "story"}})
	if len(commands) != 0 {
		t.Fatalf("expected ref story-specified to be ignored, got %#v", commands)
	}
}

func TestMachineStoryArgsUpdatedReplacesArgs(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := NewState()
	entries := stories.NewKindEntries()
	entries.Set("a--1", stories.KindEntry{Kind: "a", Name: "1", Args: map[string]any{"a": "b", "keep": "no"}})
	if _, err := m.Handle(state, Event{Kind: EventSetStories, Payload: stories.SetStoriesPayload{Stories: entries}}); err != nil {
		t.Fatalf("set stories failed: %v", err)
	}
	if _, err := m.Handle(state, Event{Kind: EventStoryArgsUpdated, Payload: StoryArgsUpdated{StoryID: "a--1", Args: map[string]any{"foo": "bar"}}}); err != nil {
		t.Fatalf("args updated failed: %v", err)
	}
	node, _ := state.Hash.Get("a--1")
	if !reflect.DeepEqual(node.Args, map[string]any{"foo": "bar"}) {
		t.Fatalf("expected args to be replaced, got %v", node.Args)
	}
}

func TestMachineStoryArgsUpdatedForRef(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := refState(t, m)
	commands, err := m.Handle(state, Event{Kind: EventStoryArgsUpdated, Source: channel.RefSource("ref"), Payload: StoryArgsUpdated{StoryID: "a--1", Args: map[string]any{"foo": "bar"}}})
	if err != nil {
		t.Fatalf("ref args updated failed: %v", err)
	}
	update := commands[0].(UpdateRef)
	node, _ := update.Patch.Stories.Get("a--1")
	if update.RefID != "ref" || node.Args["foo"] != "bar" {
		t.Fatalf("unexpected ref update %+v", update)
	}
}

func TestMachineConfigError(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := configuredState(t, m, twoEntryIndex())
	if _, err := m.Handle(state, Event{Kind: EventConfigError, Payload: ConfigErrorPayload{Message: "Failed to run configure"}}); err != nil {
		t.Fatalf("config error failed: %v", err)
	}
	if !state.StoriesConfigured || state.StoriesFailed == nil || state.StoriesFailed.Error() != "Failed to run configure" {
		t.Fatalf("unexpected state: %+v", state)
	}
	var configErr *ConfigError
	if !errors.As(state.StoriesFailed, &configErr) {
		t.Fatalf("expected config error type, got %T", state.StoriesFailed)
	}
	if state.Hash.Len() != 4 {
		t.Fatalf("config error must not touch the hash")
	}
}

func TestMachineSetStoriesV2Local(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := NewState()
	state.StoryID = "a--1"
	entries := stories.NewKindEntries()
	entries.Set("a--1", stories.KindEntry{Kind: "a", Name: "1", Parameters: map[string]any{"story": "story"}})
	payload := stories.SetStoriesPayload{
		V:                2,
		GlobalParameters: map[string]any{"global": "global", "options": "opts"},
		KindParameters:   map[string]map[string]any{"a": {"kind": "kind"}},
		Stories:          entries,
	}
	commands, err := m.Handle(state, Event{Kind: EventSetStories, Payload: payload})
	if err != nil {
		t.Fatalf("set stories failed: %v", err)
	}
	node, _ := state.Hash.Get("a--1")
	want := map[string]any{"global": "global", "options": "opts", "kind": "kind", "story": "story"}
	if !reflect.DeepEqual(node.Parameters, want) {
		t.Fatalf("unexpected parameters %v", node.Parameters)
	}
	if len(commands) != 2 {
		t.Fatalf("expected snapshot and set options, got %#v", commands)
	}
	if !reflect.DeepEqual(commands[1], SetOptions{Options: "opts"}) {
		t.Fatalf("expected options of the current story, got %#v", commands[1])
	}
}

func TestMachineSetStoriesExternal(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := NewState()
	entries := stories.NewKindEntries()
	entries.Set("a--1", stories.KindEntry{Kind: "a", Name: "1", Parameters: map[string]any{"story": "story"}})
	payload := stories.SetStoriesPayload{
		V:                2,
		GlobalParameters: map[string]any{"global": "global"},
		KindParameters:   map[string]map[string]any{"a": {"kind": "kind"}},
		Stories:          entries,
	}
	commands, err := m.Handle(state, Event{Kind: EventSetStories, Source: channel.RefSource("ref"), Payload: payload})
	if err != nil {
		t.Fatalf("external set stories failed: %v", err)
	}
	if state.Hash.Len() != 0 {
		t.Fatalf("external stories must not reach the local hash")
	}
	setRef := commands[0].(SetRef)
	if setRef.RefID != "ref" || !setRef.Ready || setRef.Payload.ID != "ref" || setRef.Payload.V != 2 {
		t.Fatalf("unexpected set ref: %+v", setRef)
	}
	entry, _ := setRef.Payload.Stories.Get("a--1")
	if !reflect.DeepEqual(entry.Parameters, map[string]any{"global": "global", "kind": "kind", "story": "story"}) {
		t.Fatalf("expected denormalized parameters, got %v", entry.Parameters)
	}
	ref, ok := state.Refs.Get("ref")
	if !ok || !ref.Ready {
		t.Fatalf("expected ready ref mirror, got %+v", ref)
	}
	node, _ := ref.Stories.Get("a--1")
	if node.RefID != "ref" {
		t.Fatalf("expected ref nodes to carry ref id, got %+v", node)
	}
}

func TestMachineSetStoriesError(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := NewState()
	if _, err := m.Handle(state, Event{Kind: EventSetStories, Payload: stories.SetStoriesPayload{Error: "boom"}}); err != nil {
		t.Fatalf("set stories failed: %v", err)
	}
	if !state.StoriesConfigured || state.StoriesFailed == nil || state.StoriesFailed.Error() != "boom" {
		t.Fatalf("expected error to be recorded, got %+v", state)
	}
}

func TestMachineNavigation(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := NewState()
	entries := stories.NewKindEntries()
	entries.Set("a--1", stories.KindEntry{Kind: "a", Name: "1"})
	entries.Set("a--2", stories.KindEntry{Kind: "a", Name: "2"})
	entries.Set("b-c--1", stories.KindEntry{Kind: "b/c", Name: "1"})
	if _, err := m.Handle(state, Event{Kind: EventSetStories, Payload: stories.SetStoriesPayload{Stories: entries}}); err != nil {
		t.Fatalf("set stories failed: %v", err)
	}
	state.StoryID, state.ViewMode = "a--2", "story"

	if got := m.JumpToStory(state, 1); !reflect.DeepEqual(got, []Command{Navigate{Path: "/story/b-c--1"}}) {
		t.Fatalf("unexpected jump to story: %#v", got)
	}
	if got := m.JumpToComponent(state, 1); !reflect.DeepEqual(got, []Command{Navigate{Path: "/story/b-c--1"}}) {
		t.Fatalf("unexpected jump to component: %#v", got)
	}
	if got := m.JumpToComponent(state, -1); len(got) != 0 {
		t.Fatalf("expected no-op at the first component, got %#v", got)
	}
	got, err := m.SelectStory(state, "b", "", "")
	if err != nil || !reflect.DeepEqual(got, []Command{Navigate{Path: "/story/b-c--1"}}) {
		t.Fatalf("unexpected select story: %#v %v", got, err)
	}
	if _, err := m.SelectStory(state, "a", "1", "missing"); !errors.Is(err, ErrUnknownRef) {
		t.Fatalf("expected unknown ref, got %v", err)
	}
}

func TestMachineNavigationWithinRefSelection(t *testing.T) {
	m := NewMachine(MachineOptions{})
	state := NewState()
	local := stories.NewKindEntries()
	local.Set("a--1", stories.KindEntry{Kind: "a", Name: "1"})
	if _, err := m.Handle(state, Event{Kind: EventSetStories, Payload: stories.SetStoriesPayload{Stories: local}}); err != nil {
		t.Fatalf("local set stories failed: %v", err)
	}
	external := stories.NewKindEntries()
	external.Set("a--1", stories.KindEntry{Kind: "a", Name: "1"})
	external.Set("a--2", stories.KindEntry{Kind: "a", Name: "2"})
	external.Set("b--1", stories.KindEntry{Kind: "b", Name: "1"})
	if _, err := m.Handle(state, Event{Kind: EventSetStories, Source: channel.RefSource("ref"), Payload: stories.SetStoriesPayload{Stories: external}}); err != nil {
		t.Fatalf("ref set stories failed: %v", err)
	}
	state.StoryID, state.ViewMode, state.SelectedRef = "a--1", "story", "ref"

	if got := m.JumpToStory(state, 1); !reflect.DeepEqual(got, []Command{Navigate{Path: "/story/ref_a--2"}}) {
		t.Fatalf("expected to jump within the ref, got %#v", got)
	}
	if got := m.JumpToComponent(state, 1); !reflect.DeepEqual(got, []Command{Navigate{Path: "/story/ref_b--1"}}) {
		t.Fatalf("expected component jump within the ref, got %#v", got)
	}
	got, err := m.SelectStory(state, "", "2", "")
	if err != nil || !reflect.DeepEqual(got, []Command{Navigate{Path: "/story/ref_a--2"}}) {
		t.Fatalf("expected a sibling of the ref story, got %#v %v", got, err)
	}

	commands, _ := m.Handle(state, Event{Kind: EventStorySpecified, Payload: StorySpecified{StoryID: "a--1", ViewMode: "story"}})
	if !reflect.DeepEqual(commands, []Command{Navigate{Path: "/story/a--1"}}) {
		t.Fatalf("expected the local story to differ from the selected ref story, got %#v", commands)
	}
}

func TestMachineRejectsUnknownEvent(t *testing.T) {
	m := NewMachine(MachineOptions{})
	if _, err := m.Handle(NewState(), Event{Kind: "bogus"}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected unknown event, got %v", err)
	}
}

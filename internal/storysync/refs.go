package storysync

import (
	"sort"

	"github.com/agentworkforce/storysync/internal/stories"
)

// Ref is the mirror of an externally hosted index.
type Ref struct {
	ID      string         `json:"id"`
	URL     string         `json:"url,omitempty"`
	Stories *stories.Hash  `json:"stories"`
	Ready   bool           `json:"ready"`
	Payload *RefSetStories `json:"-"`
}

// RefSetStories is what a ref last announced through set-stories, with
// parameters already denormalized.
type RefSetStories struct {
	ID               string                    `json:"id"`
	V                int                       `json:"v,omitempty"`
	GlobalParameters map[string]any            `json:"globalParameters,omitempty"`
	KindParameters   map[string]map[string]any `json:"kindParameters,omitempty"`
	Stories          *stories.KindEntries      `json:"stories"`
}

// RefPatch is a partial ref update. Nil fields are left alone.
type RefPatch struct {
	Stories *stories.Hash `json:"stories,omitempty"`
	Ready   *bool         `json:"ready,omitempty"`
}

// RefRegistry holds one independent hash per ref. Ref hashes are never
// merged into the local hash.
type RefRegistry struct {
	refs map[string]*Ref
}

func NewRefRegistry() *RefRegistry {
	return &RefRegistry{refs: map[string]*Ref{}}
}

func (r *RefRegistry) Get(id string) (*Ref, bool) {
	if r == nil {
		return nil, false
	}
	ref, ok := r.refs[id]
	return ref, ok
}

// Declare registers a configured ref before it has sent anything.
func (r *RefRegistry) Declare(id, url string) {
	if ref, ok := r.refs[id]; ok {
		ref.URL = url
		return
	}
	r.refs[id] = &Ref{ID: id, URL: url, Stories: stories.NewHash()}
}

func (r *RefRegistry) Set(id string, hash *stories.Hash, payload *RefSetStories, ready bool) *Ref {
	ref, ok := r.refs[id]
	if !ok {
		ref = &Ref{ID: id}
		r.refs[id] = ref
	}
	if hash == nil {
		hash = stories.NewHash()
	}
	ref.Stories = hash
	ref.Payload = payload
	ref.Ready = ready
	return ref
}

func (r *RefRegistry) Update(id string, patch RefPatch) (*Ref, error) {
	ref, ok := r.refs[id]
	if !ok {
		return nil, ErrUnknownRef
	}
	if patch.Stories != nil {
		ref.Stories = patch.Stories
	}
	if patch.Ready != nil {
		ref.Ready = *patch.Ready
	}
	return ref, nil
}

func (r *RefRegistry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.refs))
	for id := range r.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns deep copies of every ref.
func (r *RefRegistry) Snapshot() map[string]Ref {
	if r == nil || len(r.refs) == 0 {
		return nil
	}
	out := make(map[string]Ref, len(r.refs))
	for id, ref := range r.refs {
		clone := *ref
		clone.Stories = ref.Stories.Clone()
		out[id] = clone
	}
	return out
}

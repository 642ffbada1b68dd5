package stories

import (
	"encoding/json"
	"errors"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrMalformedPath = errors.New("malformed title path")
	ErrDuplicateID   = errors.New("duplicate id")
)

type NodeType string

const (
	TypeRoot      NodeType = "root"
	TypeGroup     NodeType = "group"
	TypeComponent NodeType = "component"
	TypeStory     NodeType = "story"
	TypeDocs      NodeType = "docs"
)

// Node is one entry of the index. Parent and Children hold ids, never
// pointers; the owning Hash is the only holder of nodes.
type Node struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Type        NodeType       `json:"type"`
	Depth       int            `json:"depth"`
	Parent      string         `json:"parent,omitempty"`
	Children    []string       `json:"children,omitempty"`
	IsRoot      bool           `json:"isRoot"`
	IsComponent bool           `json:"isComponent"`
	IsLeaf      bool           `json:"isLeaf"`
	ImportPath  string         `json:"importPath,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Prepared    bool           `json:"prepared"`
	RefID       string         `json:"refId,omitempty"`
}

// IsEntry reports whether the node came from a story or docs entry rather
// than from a title path segment.
func (n *Node) IsEntry() bool {
	return n != nil && (n.Type == TypeStory || n.Type == TypeDocs)
}

// DocsOnly reports whether the node renders only in the docs view.
func (n *Node) DocsOnly() bool {
	if n == nil {
		return false
	}
	if n.Type == TypeDocs {
		return true
	}
	docsOnly, _ := n.Parameters["docsOnly"].(bool)
	return docsOnly
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	if n.Children != nil {
		clone.Children = append([]string(nil), n.Children...)
	}
	clone.Parameters = copyMap(n.Parameters)
	clone.Args = copyMap(n.Args)
	return &clone
}

func (n *Node) hasChild(id string) bool {
	for _, child := range n.Children {
		if child == id {
			return true
		}
	}
	return false
}

// Hash maps node id to node. Iteration order is insertion order and is part
// of the contract: consumers render it directly as a tree listing.
type Hash struct {
	nodes *orderedmap.OrderedMap[string, *Node]
}

func NewHash() *Hash {
	return &Hash{nodes: orderedmap.New[string, *Node]()}
}

func (h *Hash) Len() int {
	if h == nil || h.nodes == nil {
		return 0
	}
	return h.nodes.Len()
}

func (h *Hash) Get(id string) (*Node, bool) {
	if h == nil || h.nodes == nil {
		return nil, false
	}
	return h.nodes.Get(id)
}

// Set inserts or replaces a node. A replaced node keeps its position.
func (h *Hash) Set(node *Node) {
	if node == nil {
		return
	}
	if h.nodes == nil {
		h.nodes = orderedmap.New[string, *Node]()
	}
	h.nodes.Set(node.ID, node)
}

func (h *Hash) IDs() []string {
	ids := make([]string, 0, h.Len())
	h.Each(func(node *Node) bool {
		ids = append(ids, node.ID)
		return true
	})
	return ids
}

// Each visits nodes in hash order until fn returns false.
func (h *Hash) Each(fn func(node *Node) bool) {
	if h == nil || h.nodes == nil {
		return
	}
	for pair := h.nodes.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Value) {
			return
		}
	}
}

func (h *Hash) Clone() *Hash {
	clone := NewHash()
	h.Each(func(node *Node) bool {
		clone.Set(node.Clone())
		return true
	})
	return clone
}

func (h *Hash) MarshalJSON() ([]byte, error) {
	if h == nil || h.nodes == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h.nodes)
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	nodes := orderedmap.New[string, *Node]()
	if err := json.Unmarshal(data, nodes); err != nil {
		return err
	}
	h.nodes = orderedmap.New[string, *Node]()
	for pair := nodes.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			continue
		}
		if pair.Value.ID == "" {
			pair.Value.ID = pair.Key
		}
		h.nodes.Set(pair.Value.ID, pair.Value)
	}
	return nil
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

package stories

import (
	"fmt"
	"strings"
)

// Entry is a single story or docs entry, independent of the protocol that
// delivered it.
type Entry struct {
	ID         string
	Title      string
	Name       string
	Type       NodeType
	ImportPath string
	Parameters map[string]any
	Args       map[string]any
	Prepared   bool
}

type EntryError struct {
	ID    string
	Title string
	Err   error
}

func (e *EntryError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("entry with title %q: %v", e.Title, e.Err)
	}
	return fmt.Sprintf("entry %s: %v", e.ID, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

type BuilderOptions struct {
	ShowRoots bool
	RefID     string
}

// Builder turns entries into a hierarchy. Nodes are created the first time
// they are referenced and never duplicated.
type Builder struct {
	showRoots bool
	refID     string
	nodes     *Hash
}

func NewBuilder(opts BuilderOptions) *Builder {
	return &Builder{
		showRoots: opts.ShowRoots,
		refID:     strings.TrimSpace(opts.RefID),
		nodes:     NewHash(),
	}
}

// Add places one entry under its title path. A rejected entry leaves the
// builder untouched.
func (b *Builder) Add(entry Entry) error {
	segments, err := SplitTitle(entry.Title)
	if err != nil {
		return &EntryError{ID: entry.ID, Title: entry.Title, Err: err}
	}
	ids := cumulativeIDs(segments)
	leafID := strings.TrimSpace(entry.ID)
	if leafID == "" {
		nameSlug := Slugify(entry.Name)
		if nameSlug == "" {
			return &EntryError{Title: entry.Title, Err: fmt.Errorf("%w: name %q cannot be slugified", ErrMalformedPath, entry.Name)}
		}
		leafID = ids[len(ids)-1] + "--" + nameSlug
	}
	if err := b.checkConflicts(ids, leafID); err != nil {
		return &EntryError{ID: leafID, Title: entry.Title, Err: err}
	}

	for i, id := range ids {
		child := leafID
		if i+1 < len(ids) {
			child = ids[i+1]
		}
		isRoot := b.showRoots && i == 0 && len(ids) > 1
		if node, ok := b.nodes.Get(id); ok {
			if !node.hasChild(child) {
				node.Children = append(node.Children, child)
			}
			if isRoot {
				node.IsRoot = true
				node.Type = TypeRoot
			}
			continue
		}
		node := &Node{
			ID:       id,
			Name:     segments[i],
			Type:     TypeGroup,
			Depth:    i,
			Children: []string{child},
			IsRoot:   isRoot,
			RefID:    b.refID,
		}
		if isRoot {
			node.Type = TypeRoot
		}
		if i > 0 {
			node.Parent = ids[i-1]
		}
		b.nodes.Set(node)
	}

	leafType := entry.Type
	if leafType != TypeDocs {
		leafType = TypeStory
	}
	b.nodes.Set(&Node{
		ID:         leafID,
		Name:       entry.Name,
		Title:      entry.Title,
		Type:       leafType,
		Depth:      len(ids),
		Parent:     ids[len(ids)-1],
		IsLeaf:     true,
		ImportPath: entry.ImportPath,
		Parameters: copyMap(entry.Parameters),
		Args:       copyMap(entry.Args),
		Prepared:   entry.Prepared,
		RefID:      b.refID,
	})
	return nil
}

func (b *Builder) checkConflicts(ids []string, leafID string) error {
	for i, id := range ids {
		if id == leafID {
			return fmt.Errorf("%w: %s is both a story and a group", ErrDuplicateID, id)
		}
		node, ok := b.nodes.Get(id)
		if !ok {
			continue
		}
		if node.IsEntry() {
			return fmt.Errorf("%w: %s is both a story and a group", ErrDuplicateID, id)
		}
		parent := ""
		if i > 0 {
			parent = ids[i-1]
		}
		if node.Parent != parent {
			return fmt.Errorf("%w: %s is reachable through two different paths", ErrDuplicateID, id)
		}
	}
	if _, ok := b.nodes.Get(leafID); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, leafID)
	}
	return nil
}

// Hash returns the finished index. Nodes are ordered depth-first, starting
// from each node in the order it was first created, so every subtree is
// contiguous even when entries arrived out of order.
func (b *Builder) Hash() *Hash {
	out := NewHash()
	var add func(node *Node)
	add = func(node *Node) {
		if _, done := out.Get(node.ID); done {
			return
		}
		node = node.Clone()
		out.Set(node)
		if node.IsEntry() {
			return
		}
		children := make([]*Node, 0, len(node.Children))
		allEntries := true
		for _, childID := range node.Children {
			child, ok := b.nodes.Get(childID)
			if !ok {
				continue
			}
			children = append(children, child)
			if !child.IsEntry() {
				allEntries = false
			}
		}
		if allEntries && len(children) > 0 && !node.IsRoot {
			node.IsComponent = true
			node.Type = TypeComponent
			node.IsLeaf = len(children) == 1 && (children[0].DocsOnly() || children[0].Name == "Page")
		}
		for _, child := range children {
			add(child)
		}
	}
	b.nodes.Each(func(node *Node) bool {
		add(node)
		return true
	})
	return out
}

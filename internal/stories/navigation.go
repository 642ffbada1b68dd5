package stories

import (
	"strings"
)

const (
	ViewModeStory = "story"
	ViewModeDocs  = "docs"
)

// View modes that are not tied to a story. Navigating to a story from one of
// them switches back to the story view.
var settingsViewModes = map[string]bool{
	"settings": true,
	"about":    true,
	"release":  true,
}

func IsSettingsViewMode(viewMode string) bool {
	return settingsViewModes[viewMode]
}

type Selection struct {
	ID       string
	ViewMode string
	RefID    string
}

func (s Selection) Path() string {
	viewMode := s.ViewMode
	if viewMode == "" {
		viewMode = ViewModeStory
	}
	if s.RefID != "" {
		return "/" + viewMode + "/" + s.RefID + "_" + s.ID
	}
	return "/" + viewMode + "/" + s.ID
}

// ParsePath splits a path produced by Selection.Path. Ref selections keep
// their "{refId}_" prefix in ID.
func ParsePath(path string) (Selection, bool) {
	viewMode, id, ok := strings.Cut(strings.TrimPrefix(strings.TrimSpace(path), "/"), "/")
	if !ok || viewMode == "" || id == "" || strings.Contains(id, "/") {
		return Selection{}, false
	}
	return Selection{ID: id, ViewMode: viewMode}, true
}

// SplitRef moves a "{refId}_" prefix out of ID when isRef recognises it.
// Local story ids are returned unchanged even when they contain "_".
func (s Selection) SplitRef(isRef func(refID string) bool) Selection {
	if s.RefID != "" || isRef == nil {
		return s
	}
	refID, id, ok := strings.Cut(s.ID, "_")
	if !ok || refID == "" || id == "" || !isRef(refID) {
		return s
	}
	s.RefID, s.ID = refID, id
	return s
}

// LinearJump moves direction steps through every story and docs entry in hash
// order. It reports false when currentID is unknown or the target falls
// outside the list.
func LinearJump(h *Hash, currentID string, direction int) (string, bool) {
	var entries []string
	h.Each(func(node *Node) bool {
		if node.IsEntry() {
			entries = append(entries, node.ID)
		}
		return true
	})
	return step(entries, currentID, direction)
}

// SiblingJump moves among the children of the current component, or, with
// crossGroup, to the first entry of the neighbouring component.
func SiblingJump(h *Hash, currentID string, direction int, crossGroup bool) (string, bool) {
	if crossGroup {
		return ComponentJump(h, currentID, direction)
	}
	current, ok := h.Get(currentID)
	if !ok || current.Parent == "" {
		return "", false
	}
	parent, ok := h.Get(current.Parent)
	if !ok {
		return "", false
	}
	return step(parent.Children, currentID, direction)
}

// ComponentJump moves to the first entry of the next or previous component.
func ComponentJump(h *Hash, currentID string, direction int) (string, bool) {
	component, ok := owningComponent(h, currentID)
	if !ok {
		return "", false
	}
	var components []string
	h.Each(func(node *Node) bool {
		if node.IsComponent {
			components = append(components, node.ID)
		}
		return true
	})
	target, ok := step(components, component.ID, direction)
	if !ok {
		return "", false
	}
	node, ok := h.Get(target)
	if !ok || len(node.Children) == 0 {
		return "", false
	}
	return node.Children[0], true
}

// FirstLeaf descends through first children until it reaches an entry or a
// component that is itself navigable.
func FirstLeaf(h *Hash, id string) (string, bool) {
	node, ok := h.Get(id)
	for ok {
		if node.IsLeaf || len(node.Children) == 0 {
			return node.ID, true
		}
		node, ok = h.Get(node.Children[0])
	}
	return "", false
}

// Resolve turns the arguments of a selection request into a concrete node
// and view mode. kindOrID and name are optional; empty means omitted.
func Resolve(h *Hash, kindOrID, name string, current Selection) (Selection, bool) {
	var target string
	switch {
	case name == "" && kindOrID == "":
		component, ok := owningComponent(h, current.ID)
		if !ok {
			return Selection{}, false
		}
		target = component.ID
	case name == "":
		node, ok := lookup(h, kindOrID)
		if !ok {
			return Selection{}, false
		}
		target = node.ID
	case kindOrID == "":
		component, ok := owningComponent(h, current.ID)
		if !ok {
			return Selection{}, false
		}
		id, ok := childNamed(h, component, name)
		if !ok {
			return Selection{}, false
		}
		target = id
	default:
		if id, err := StoryID(kindOrID, name); err == nil {
			if _, ok := h.Get(id); ok {
				target = id
				break
			}
		}
		component, ok := lookup(h, kindOrID)
		if !ok {
			return Selection{}, false
		}
		id, ok := childNamed(h, component, name)
		if !ok {
			return Selection{}, false
		}
		target = id
	}

	id, ok := FirstLeaf(h, target)
	if !ok {
		return Selection{}, false
	}
	node, _ := h.Get(id)
	return Selection{
		ID:       node.ID,
		ViewMode: viewModeFor(node, current.ViewMode),
		RefID:    node.RefID,
	}, true
}

func viewModeFor(node *Node, currentViewMode string) string {
	viewMode := currentViewMode
	if viewMode == "" {
		viewMode = ViewModeStory
	}
	if fromParameters, ok := node.Parameters["viewMode"].(string); ok && fromParameters != "" {
		viewMode = fromParameters
	}
	if node.DocsOnly() || (node.IsComponent && node.IsLeaf) {
		viewMode = ViewModeDocs
	}
	if IsSettingsViewMode(viewMode) {
		viewMode = ViewModeStory
	}
	return viewMode
}

// lookup finds a node by exact id, by slugified id, then by a
// case-insensitive match against entry titles.
func lookup(h *Hash, query string) (*Node, bool) {
	if node, ok := h.Get(query); ok {
		return node, true
	}
	if node, ok := h.Get(Slugify(query)); ok {
		return node, true
	}
	wanted := strings.ToLower(strings.TrimSpace(query))
	if wanted == "" {
		return nil, false
	}
	var found *Node
	h.Each(func(node *Node) bool {
		if node.IsEntry() && strings.ToLower(strings.TrimSpace(node.Title)) == wanted {
			found, _ = h.Get(node.Parent)
			return false
		}
		return true
	})
	return found, found != nil
}

func owningComponent(h *Hash, id string) (*Node, bool) {
	node, ok := h.Get(id)
	if !ok {
		return nil, false
	}
	if node.IsComponent {
		return node, true
	}
	if !node.IsEntry() {
		return nil, false
	}
	parent, ok := h.Get(node.Parent)
	if !ok || !parent.IsComponent {
		return nil, false
	}
	return parent, true
}

func childNamed(h *Hash, parent *Node, name string) (string, bool) {
	for _, childID := range parent.Children {
		if child, ok := h.Get(childID); ok && child.Name == name {
			return childID, true
		}
	}
	return "", false
}

func step(ids []string, currentID string, direction int) (string, bool) {
	if direction == 0 {
		return "", false
	}
	for i, id := range ids {
		if id != currentID {
			continue
		}
		target := i + direction
		if target < 0 || target >= len(ids) {
			return "", false
		}
		return ids[target], true
	}
	return "", false
}

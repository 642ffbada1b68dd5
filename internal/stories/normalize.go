package stories

import (
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// IndexEntry is one entry of the fetched story index. It carries no args or
// parameters; those arrive when the preview prepares the story.
type IndexEntry struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Name       string `json:"name"`
	ImportPath string `json:"importPath"`
	Type       string `json:"type,omitempty"`
}

type StoryIndex struct {
	V       int                                        `json:"v"`
	Entries *orderedmap.OrderedMap[string, IndexEntry] `json:"entries"`
}

// KindEntry is a story as described by the legacy and versioned set-stories
// protocols.
type KindEntry struct {
	ID         string         `json:"id,omitempty"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}

type KindEntries = orderedmap.OrderedMap[string, KindEntry]

func NewKindEntries() *KindEntries {
	return orderedmap.New[string, KindEntry]()
}

// SetStoriesPayload covers both set-stories versions: V is zero for the
// legacy protocol and 2 for the versioned one.
type SetStoriesPayload struct {
	V                int                       `json:"v,omitempty"`
	GlobalParameters map[string]any            `json:"globalParameters,omitempty"`
	KindParameters   map[string]map[string]any `json:"kindParameters,omitempty"`
	Stories          *KindEntries              `json:"stories"`
	Error            string                    `json:"error,omitempty"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	ShowRoots bool
	RefID     string
	Logger    Logger
}

// FromIndex builds a hash from the index protocol. Every leaf starts
// unprepared. Entries that cannot be placed are skipped and returned.
func FromIndex(index StoryIndex, opts Options) (*Hash, []error) {
	builder := NewBuilder(BuilderOptions{ShowRoots: opts.ShowRoots, RefID: opts.RefID})
	if index.Entries == nil {
		return builder.Hash(), nil
	}
	countByComponent := map[string]int{}
	for pair := index.Entries.Oldest(); pair != nil; pair = pair.Next() {
		countByComponent[componentID(pair.Value.Title)]++
	}
	var skipped []error
	for pair := index.Entries.Oldest(); pair != nil; pair = pair.Next() {
		item := pair.Value
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = pair.Key
		}
		entryType := TypeStory
		if item.Type == string(TypeDocs) || (item.Name == "Page" && countByComponent[componentID(item.Title)] == 1) {
			entryType = TypeDocs
		}
		err := builder.Add(Entry{
			ID:         id,
			Title:      item.Title,
			Name:       item.Name,
			Type:       entryType,
			ImportPath: item.ImportPath,
		})
		if err != nil {
			skipped = append(skipped, err)
			logf(opts.Logger, "skipping index entry: %v", err)
		}
	}
	return builder.Hash(), skipped
}

// componentID is the id of the component a title lands under. Titles that
// cannot be split are keyed by themselves; the builder skips them anyway.
func componentID(title string) string {
	segments, err := SplitTitle(title)
	if err != nil {
		return title
	}
	ids := cumulativeIDs(segments)
	return ids[len(ids)-1]
}

// FromKinds builds a hash from the legacy or versioned protocol. Leaves are
// prepared and carry whatever args and parameters were supplied.
func FromKinds(entries *KindEntries, opts Options) (*Hash, []error) {
	builder := NewBuilder(BuilderOptions{ShowRoots: opts.ShowRoots, RefID: opts.RefID})
	if entries == nil {
		return builder.Hash(), nil
	}
	var skipped []error
	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		item := pair.Value
		id := strings.TrimSpace(item.ID)
		if id == "" {
			id = pair.Key
		}
		parameters := item.Parameters
		if parameters == nil {
			parameters = map[string]any{}
		}
		args := item.Args
		if args == nil {
			args = map[string]any{}
		}
		err := builder.Add(Entry{
			ID:         id,
			Title:      item.Kind,
			Name:       item.Name,
			Type:       TypeStory,
			Parameters: parameters,
			Args:       args,
			Prepared:   true,
		})
		if err != nil {
			skipped = append(skipped, err)
			logf(opts.Logger, "skipping story: %v", err)
		}
	}
	return builder.Hash(), skipped
}

// Denormalize resolves v2 parameter inheritance: global parameters, then the
// story's kind parameters, then its own, later keys winning. Legacy payloads
// are returned as-is.
func Denormalize(payload SetStoriesPayload) *KindEntries {
	if payload.V == 0 || payload.Stories == nil {
		return payload.Stories
	}
	out := NewKindEntries()
	for pair := payload.Stories.Oldest(); pair != nil; pair = pair.Next() {
		item := pair.Value
		item.Parameters = mergeParameters(payload.GlobalParameters, payload.KindParameters[item.Kind], item.Parameters)
		out.Set(pair.Key, item)
	}
	return out
}

func mergeParameters(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, layer := range layers {
		for key, value := range layer {
			out[key] = value
		}
	}
	return out
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

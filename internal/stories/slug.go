package stories

import (
	"fmt"
	"strings"
	"unicode"
)

// Slugify lowercases s and collapses every run of characters that are not
// letters or digits into a single dash, trimming dashes at both ends.
func Slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// StoryID derives the id of a story from its title path and name.
func StoryID(title, name string) (string, error) {
	segments, err := SplitTitle(title)
	if err != nil {
		return "", err
	}
	nameSlug := Slugify(name)
	if nameSlug == "" {
		return "", fmt.Errorf("%w: name %q cannot be slugified", ErrMalformedPath, name)
	}
	ids := cumulativeIDs(segments)
	return ids[len(ids)-1] + "--" + nameSlug, nil
}

// SplitTitle splits a slash-delimited title into trimmed segments. Every
// segment must slugify to something non-empty.
func SplitTitle(title string) ([]string, error) {
	parts := strings.Split(title, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		segment := strings.TrimSpace(part)
		if Slugify(segment) == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedPath, title)
		}
		segments = append(segments, segment)
	}
	return segments, nil
}

func cumulativeIDs(segments []string) []string {
	ids := make([]string, len(segments))
	for i, segment := range segments {
		if i == 0 {
			ids[i] = Slugify(segment)
			continue
		}
		ids[i] = ids[i-1] + "-" + Slugify(segment)
	}
	return ids
}

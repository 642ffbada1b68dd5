package stories

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	indexSchemaURL      = "https://storysync.local/schemas/index.json"
	setStoriesSchemaURL = "https://storysync.local/schemas/set-stories.json"
)

const indexSchema = `{
  "type": "object",
  "required": ["entries"],
  "properties": {
    "v": {"type": "integer"},
    "entries": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["title", "name"],
        "properties": {
          "id": {"type": "string"},
          "title": {"type": "string"},
          "name": {"type": "string"},
          "importPath": {"type": "string"},
          "type": {"enum": ["story", "docs"]}
        }
      }
    }
  }
}`

const setStoriesSchema = `{
  "type": "object",
  "properties": {
    "v": {"type": "integer"},
    "error": {"type": "string"},
    "globalParameters": {"type": "object"},
    "kindParameters": {
      "type": "object",
      "additionalProperties": {"type": "object"}
    },
    "stories": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "kind": {"type": "string"},
          "name": {"type": "string"},
          "parameters": {"type": "object"},
          "args": {"type": "object"}
        }
      }
    }
  }
}`

var (
	schemasOnce        sync.Once
	schemasErr         error
	indexCompiled      *jsonschema.Schema
	setStoriesCompiled *jsonschema.Schema
)

func compileSchemas() error {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for url, text := range map[string]string{
			indexSchemaURL:      indexSchema,
			setStoriesSchemaURL: setStoriesSchema,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
			if err != nil {
				schemasErr = err
				return
			}
			if err := compiler.AddResource(url, doc); err != nil {
				schemasErr = err
				return
			}
		}
		indexCompiled, schemasErr = compiler.Compile(indexSchemaURL)
		if schemasErr != nil {
			return
		}
		setStoriesCompiled, schemasErr = compiler.Compile(setStoriesSchemaURL)
	})
	return schemasErr
}

// ParseIndex validates raw against the index schema and decodes it.
func ParseIndex(raw []byte) (StoryIndex, error) {
	if err := validate(raw, func() *jsonschema.Schema { return indexCompiled }); err != nil {
		return StoryIndex{}, err
	}
	var index StoryIndex
	if err := json.Unmarshal(raw, &index); err != nil {
		return StoryIndex{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return index, nil
}

// ParseSetStories validates raw against the set-stories schema and decodes it.
func ParseSetStories(raw []byte) (SetStoriesPayload, error) {
	if err := validate(raw, func() *jsonschema.Schema { return setStoriesCompiled }); err != nil {
		return SetStoriesPayload{}, err
	}
	var payload SetStoriesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SetStoriesPayload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return payload, nil
}

func validate(raw []byte, schema func() *jsonschema.Schema) error {
	if err := compileSchemas(); err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema().Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

package snapshot

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/storysync/internal/stories"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedScheme = errors.New("unsupported snapshot backend scheme")
)

// Backend stores the last index that loaded successfully. Load returns a nil
// hash when nothing has been saved yet.
type Backend interface {
	Load() (*stories.Hash, error)
	Save(hash *stories.Hash) error
}

type closer interface {
	Close() error
}

// Close releases backend resources when the backend holds any.
func Close(backend Backend) error {
	if c, ok := backend.(closer); ok {
		return c.Close()
	}
	return nil
}

type record struct {
	SavedAt time.Time     `json:"savedAt"`
	Stories *stories.Hash `json:"stories"`
}

func encode(hash *stories.Hash) ([]byte, error) {
	return json.Marshal(record{SavedAt: time.Now().UTC(), Stories: hash})
}

func decode(data []byte) (*stories.Hash, error) {
	rec := record{Stories: stories.NewHash()}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec.Stories, nil
}

type InMemoryBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() (*stories.Hash, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return decode(b.data)
}

func (b *InMemoryBackend) Save(hash *stories.Hash) error {
	if b == nil || hash == nil {
		return nil
	}
	data, err := encode(hash)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
	return nil
}

type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() (*stories.Hash, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decode(data)
}

func (b *JSONFileBackend) Save(hash *stories.Hash) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || hash == nil {
		return nil
	}
	data, err := encode(hash)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

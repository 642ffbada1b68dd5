package storysync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/storysync/internal/stories"
)

const DefaultIndexPath = "/index.json"

// IndexFetcher loads the story index.
type IndexFetcher interface {
	FetchIndex(ctx context.Context) (stories.StoryIndex, error)
}

// HTTPError is a non-2xx index response. Message is the response body.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

type HTTPClient struct {
	indexURL   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient fetches the index from indexURL. A URL without a path gets
// the well-known index path appended.
func NewHTTPClient(indexURL string, httpClient *http.Client) *HTTPClient {
	indexURL = strings.TrimSpace(indexURL)
	if indexURL == "" {
		indexURL = "http://127.0.0.1:6006"
	}
	indexURL = withIndexPath(indexURL)
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		indexURL:   indexURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// withIndexPath appends the index path unless the URL path already names a
// JSON document. Query and fragment are kept.
func withIndexPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if strings.HasSuffix(raw, ".json") {
			return raw
		}
		return strings.TrimRight(raw, "/") + DefaultIndexPath
	}
	if strings.HasSuffix(u.Path, ".json") {
		return raw
	}
	u.Path = strings.TrimRight(u.Path, "/") + DefaultIndexPath
	u.RawPath = ""
	return u.String()
}

func (c *HTTPClient) URL() string {
	return c.indexURL
}

// FetchIndex performs one GET of the index. Transport failures are retried;
// any non-2xx status is final.
func (c *HTTPClient) FetchIndex(ctx context.Context) (stories.StoryIndex, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.indexURL, nil)
		if err != nil {
			return stories.StoryIndex{}, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return stories.StoryIndex{}, waitErr
				}
				continue
			}
			return stories.StoryIndex{}, err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return stories.StoryIndex{}, readErr
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return stories.StoryIndex{}, &HTTPError{StatusCode: resp.StatusCode, Message: string(body)}
		}
		return stories.ParseIndex(body)
	}
}

func (c *HTTPClient) retryDelay(attempt int) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// FileIndexFetcher reads the index from a file on disk, typically the output
// of a static build.
type FileIndexFetcher struct {
	Path string
}

func (f FileIndexFetcher) FetchIndex(ctx context.Context) (stories.StoryIndex, error) {
	if err := ctx.Err(); err != nil {
		return stories.StoryIndex{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return stories.StoryIndex{}, fmt.Errorf("read index: %w", err)
	}
	return stories.ParseIndex(data)
}

func correlationID() string {
	return fmt.Sprintf("storysync_%d", time.Now().UnixNano())
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// JSONFileSource reads a dataset exported as a single JSON array. A file
// export carries no change timestamps, so since is ignored and every fetch
// returns the whole file.
type JSONFileSource[S any] struct {
	Path string
}

func (s JSONFileSource[S]) Fetch(_ context.Context, _ *time.Time) ([]S, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	return decodeArray[S](f, s.Path)
}

// HTTPSource fetches a JSON array over HTTP. When since is set it is passed as
// the since query parameter in RFC 3339.
type HTTPSource[S any] struct {
	URL    string
	Client *http.Client
}

func (s HTTPSource[S]) Fetch(ctx context.Context, since *time.Time) ([]S, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}

	if since != nil {
		q := u.Query()
		q.Set("since", since.UTC().Format(time.RFC3339))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build source request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("source returned %s: %s", resp.Status, body)
	}

	return decodeArray[S](resp.Body, u.Redacted())
}

// StaticSource returns fixed records, or Err when set.
type StaticSource[S any] struct {
	Records []S
	Err     error
}

func (s StaticSource[S]) Fetch(_ context.Context, _ *time.Time) ([]S, error) {
	if s.Err != nil {
		return nil, s.Err
	}

	out := make([]S, len(s.Records))
	copy(out, s.Records)

	return out, nil
}

func decodeArray[S any](r io.Reader, name string) ([]S, error) {
	var records []S
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}

	return records, nil
}

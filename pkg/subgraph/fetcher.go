package subgraph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buger/jsonparser"
)

// serviceSDLQuery is the conventional federation field every subgraph exposes
// to hand out its schema document.
const serviceSDLQuery = `{"query":"query { _service { sdl } }"}`

// Fetcher retrieves the current SDL of a subgraph.
type Fetcher interface {
	FetchSDL(ctx context.Context, d *Descriptor) (string, error)
}

// HTTPFetcher fetches subgraph SDL via the _service { sdl } convention over
// GraphQL-over-HTTP.
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPFetcher(client *http.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		client:  client,
		timeout: timeout,
	}
}

func (f *HTTPFetcher) FetchSDL(ctx context.Context, d *Descriptor) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.RoutingURL, bytes.NewReader([]byte(serviceSDLQuery)))
	if err != nil {
		return "", &SubgraphUnreachableError{Name: d.Name, URL: d.RoutingURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &SubgraphUnreachableError{Name: d.Name, URL: d.RoutingURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &SubgraphUnreachableError{
			Name: d.Name,
			URL:  d.RoutingURL,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &SubgraphUnreachableError{Name: d.Name, URL: d.RoutingURL, Err: err}
	}

	sdl, err := jsonparser.GetString(body, "data", "_service", "sdl")
	if err != nil {
		return "", &SchemaFetchInvalidError{
			Name: d.Name,
			Err:  fmt.Errorf("response carries no _service.sdl: %w", err),
		}
	}
	return sdl, nil
}

// StaticFetcher serves a fixed SDL per subgraph name, used for statically
// configured subgraphs and in tests.
type StaticFetcher map[string]string

func (f StaticFetcher) FetchSDL(_ context.Context, d *Descriptor) (string, error) {
	sdl, ok := f[d.Name]
	if !ok {
		return "", &SubgraphUnreachableError{
			Name: d.Name,
			URL:  d.RoutingURL,
			Err:  fmt.Errorf("no static SDL configured"),
		}
	}
	return sdl, nil
}

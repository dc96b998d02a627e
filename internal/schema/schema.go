// Package schema serves a pruned view of the upstream registry's OpenAPI
// schema: just the Annotations component and whatever it references, so the
// frontend can render field inputs without the full document.
package schema

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/toolhunt/toolhunt/internal/apperr"
)

var refPrefix = regexp.MustCompile(`^#/components/schemas/`)

// Fetcher retrieves and caches the pruned schema. The upstream schema changes
// rarely; one successful fetch is kept for the process lifetime.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	cached map[string]any
}

// NewFetcher creates a schema fetcher against the registry API root.
func NewFetcher(baseURL string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Annotations returns {"schemas": {...}} with the Annotations schema, its
// transitive references, and refs rewritten to the pruned layout.
func (f *Fetcher) Annotations(ctx context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil {
		return f.cached, nil
	}

	full, err := f.fetch(ctx)
	if err != nil {
		return nil, err
	}
	f.cached = prune(full)
	return f.cached, nil
}

func (f *Fetcher) fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/schema/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.UpstreamError{Op: "fetch schema", Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apperr.UpstreamError{Op: "fetch schema", Status: resp.StatusCode, Body: string(body)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}

	components, _ := doc["components"].(map[string]any)
	schemas, _ := components["schemas"].(map[string]any)
	if schemas == nil {
		return nil, fmt.Errorf("schema document has no components.schemas")
	}
	return schemas, nil
}

// prune keeps Annotations plus everything it transitively references and
// rewrites the ref prefixes.
func prune(full map[string]any) map[string]any {
	kept := map[string]any{}
	annotations, ok := full["Annotations"]
	if !ok {
		return map[string]any{"schemas": kept}
	}
	kept["Annotations"] = annotations

	for name := range collectRefs(annotations, full, map[string]bool{}) {
		if s, ok := full[name]; ok {
			kept[name] = s
		}
	}

	adjustRefs(kept)
	return map[string]any{"schemas": kept}
}

func collectRefs(node any, full map[string]any, seen map[string]bool) map[string]bool {
	switch v := node.(type) {
	case map[string]any:
		for key, value := range v {
			if key == "$ref" {
				if ref, ok := value.(string); ok {
					name := refPrefix.ReplaceAllString(ref, "")
					if !seen[name] {
						seen[name] = true
						collectRefs(full[name], full, seen)
					}
					continue
				}
			}
			collectRefs(value, full, seen)
		}
	case []any:
		for _, item := range v {
			collectRefs(item, full, seen)
		}
	}
	return seen
}

func adjustRefs(node any) {
	switch v := node.(type) {
	case map[string]any:
		for key, value := range v {
			if key == "$ref" {
				if ref, ok := value.(string); ok {
					v[key] = refPrefix.ReplaceAllString(ref, "#/schemas/")
					continue
				}
			}
			adjustRefs(value)
		}
	case []any:
		for _, item := range v {
			adjustRefs(item)
		}
	}
}

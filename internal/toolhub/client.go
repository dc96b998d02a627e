// Package toolhub isolates all network access to the upstream tool registry.
package toolhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/toolhunt/toolhunt/internal/apperr"
)

const userAgent = "Toolhunt API"

// ToolRecord is one tool as the upstream registry reports it. Annotation
// values can live either on the nested annotations block or as a top-level
// field; Value and the flag accessors merge the two views.
type ToolRecord struct {
	Name         string
	Title        string
	Description  string
	URL          string
	Deprecated   bool
	Experimental bool
	Annotations  map[string]any

	// raw keeps the full top-level document so per-tool overrides of
	// annotation fields remain reachable.
	raw map[string]any
}

func (t *ToolRecord) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	t.raw = doc
	t.Name, _ = doc["name"].(string)
	t.Title, _ = doc["title"].(string)
	t.Description, _ = doc["description"].(string)
	t.URL, _ = doc["url"].(string)
	t.Deprecated, _ = doc["deprecated"].(bool)
	t.Experimental, _ = doc["experimental"].(bool)
	if ann, ok := doc["annotations"].(map[string]any); ok {
		t.Annotations = ann
	} else {
		t.Annotations = map[string]any{}
	}
	return nil
}

// Value returns the effective value of an annotation field: the nested
// annotation if set, falling back to the tool-level override.
func (t *ToolRecord) Value(field string) any {
	if v, ok := t.Annotations[field]; ok && !isEmpty(v) {
		return v
	}
	return t.raw[field]
}

// MissingField reports whether the field is empty on both the annotation
// block and the top-level record.
func (t *ToolRecord) MissingField(field string) bool {
	return isEmpty(t.Value(field))
}

// IsDeprecated ORs the top-level flag with the annotation-block flag; either
// may assert true.
func (t *ToolRecord) IsDeprecated() bool {
	b, _ := t.Annotations["deprecated"].(bool)
	return t.Deprecated || b
}

// IsExperimental mirrors IsDeprecated for the experimental flag.
func (t *ToolRecord) IsExperimental() bool {
	b, _ := t.Annotations["experimental"].(bool)
	return t.Experimental || b
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	default:
		return false
	}
}

// UserInfo is the decoded identity from the upstream /user/ endpoint.
type UserInfo struct {
	ID       json.Number `json:"id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
}

type listPage struct {
	Count   int          `json:"count"`
	Next    *string      `json:"next"`
	Results []ToolRecord `json:"results"`
}

// Client talks to the upstream registry's tools API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a registry client. baseURL is the API root without a
// trailing slash, e.g. "https://toolhub.wikimedia.org/api".
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListAll pulls the complete tool catalog, following the {results, next}
// pagination until exhausted. A failure on any page fails the whole call; no
// partial snapshot is ever returned. The result is de-duplicated by name.
func (c *Client) ListAll(ctx context.Context) ([]ToolRecord, error) {
	var tools []ToolRecord
	seen := make(map[string]struct{})

	url := c.baseURL + "/tools/"
	for url != "" {
		page, err := c.fetchPage(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, rec := range page.Results {
			if _, dup := seen[rec.Name]; dup {
				continue
			}
			seen[rec.Name] = struct{}{}
			tools = append(tools, rec)
		}
		if page.Next == nil {
			break
		}
		url = *page.Next
	}
	return tools, nil
}

// Count returns the upstream tool count from the first catalog page. Cheap
// existence/health probe.
func (c *Client) Count(ctx context.Context) (int, error) {
	page, err := c.fetchPage(ctx, c.baseURL+"/tools/")
	if err != nil {
		return 0, fmt.Errorf("count tools: %w", err)
	}
	return page.Count, nil
}

func (c *Client) fetchPage(ctx context.Context, url string) (*listPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.UpstreamError{Op: "list", Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apperr.UpstreamError{Op: "list", Status: resp.StatusCode, Body: string(body)}
	}

	var page listPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &apperr.UpstreamError{Op: "list", Body: fmt.Sprintf("decode page: %v", err)}
	}
	return &page, nil
}

// PutAnnotations writes a partial annotations document for one tool. The call
// is idempotent upstream. A non-2xx response surfaces the status and body
// verbatim so the caller can distinguish rejection (4xx) from transient
// failure (5xx).
func (c *Client) PutAnnotations(ctx context.Context, toolName string, payload map[string]any, bearer string) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode annotations: %w", err)
	}

	url := fmt.Sprintf("%s/tools/%s/annotations/", c.baseURL, toolName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.UpstreamError{Op: "put annotations", Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apperr.UpstreamError{Op: "put annotations", Status: resp.StatusCode, Body: string(respBody)}
	}

	var updated map[string]any
	if err := json.Unmarshal(respBody, &updated); err != nil {
		return nil, &apperr.UpstreamError{Op: "put annotations", Body: fmt.Sprintf("decode response: %v", err)}
	}
	return updated, nil
}

// FetchUser returns the identity bound to a bearer token.
func (c *Client) FetchUser(ctx context.Context, bearer string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user/", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.UpstreamError{Op: "fetch user", Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apperr.UpstreamError{Op: "fetch user", Status: resp.StatusCode, Body: string(body)}
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, &apperr.UpstreamError{Op: "fetch user", Body: fmt.Sprintf("decode user: %v", err)}
	}
	return &info, nil
}

// TruncateForLog shortens response bodies for diagnostics logging.
func TruncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

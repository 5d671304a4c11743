package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	gwerrors "github.com/jrsteele09/go-mcp-gateway/internal/errors"
)

// Operation describes one action an executor can perform on behalf of an
// authenticated user. ReadOnly operations are safe to expose when the
// gateway runs in read-only mode.
type Operation struct {
	Name        string
	Description string
	ReadOnly    bool
	Parameters  map[string]any // JSON Schema properties, keyed by argument name
	Required    []string
}

// Executor performs named operations against the upstream API using the
// caller's credentials.
type Executor interface {
	// Operations lists everything this executor can do.
	Operations() []Operation

	// Execute runs the named operation. client is never nil and always
	// authenticated by the time an executor sees it.
	Execute(ctx context.Context, client *Client, name string, args map[string]any) (string, error)
}

const maxResponseBytes = 1 << 20 // 1 MiB cap on upstream API responses

// APIExecutor is an Executor backed by the upstream provider's REST API.
// Requests carry the session's access token as a bearer credential.
type APIExecutor struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIExecutor creates an executor for the upstream API at baseURL.
func NewAPIExecutor(baseURL string, timeout time.Duration) *APIExecutor {
	return &APIExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *APIExecutor) Operations() []Operation {
	return []Operation{
		{
			Name:        "get_profile",
			Description: "Return the authenticated user's upstream profile",
			ReadOnly:    true,
			Parameters:  map[string]any{},
		},
		{
			Name:        "fetch_resource",
			Description: "Fetch a resource from the upstream API by path",
			ReadOnly:    true,
			Parameters: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Resource path relative to the API base URL, e.g. /v1/items/42",
				},
			},
			Required: []string{"path"},
		},
		{
			Name:        "create_resource",
			Description: "Create a resource in the upstream API",
			ReadOnly:    false,
			Parameters: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Collection path relative to the API base URL, e.g. /v1/items",
				},
				"body": map[string]any{
					"type":        "object",
					"description": "JSON body of the resource to create",
				},
			},
			Required: []string{"path", "body"},
		},
	}
}

func (e *APIExecutor) Execute(ctx context.Context, client *Client, name string, args map[string]any) (string, error) {
	switch name {
	case "get_profile":
		return e.getProfile(client)
	case "fetch_resource":
		path, err := stringArg(args, "path")
		if err != nil {
			return "", err
		}
		return e.do(ctx, client, http.MethodGet, path, nil)
	case "create_resource":
		path, err := stringArg(args, "path")
		if err != nil {
			return "", err
		}
		body, ok := args["body"].(map[string]any)
		if !ok {
			return "", errors.Wrapf(gwerrors.ErrInvalidRequest, "[APIExecutor.Execute] body must be an object")
		}
		return e.do(ctx, client, http.MethodPost, path, body)
	default:
		return "", errors.Wrapf(gwerrors.ErrNotFound, "[APIExecutor.Execute] unknown operation %q", name)
	}
}

func (e *APIExecutor) getProfile(client *Client) (string, error) {
	out, err := json.MarshalIndent(client.Identity, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "[APIExecutor.getProfile] marshal identity")
	}
	return string(out), nil
}

func (e *APIExecutor) do(ctx context.Context, client *Client, method, path string, body map[string]any) (string, error) {
	target, err := e.resolve(path)
	if err != nil {
		return "", err
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return "", errors.Wrap(err, "[APIExecutor.do] marshal body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return "", errors.Wrap(err, "[APIExecutor.do] new request")
	}
	req.Header.Set("Authorization", "Bearer "+client.Credentials.AccessToken)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "[APIExecutor.do] upstream request")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", errors.Wrap(err, "[APIExecutor.do] read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("[APIExecutor.do] upstream returned %d: %s", resp.StatusCode, truncate(string(payload), 256))
	}
	return string(payload), nil
}

// resolve joins path onto the base URL and rejects anything that would
// escape it.
func (e *APIExecutor) resolve(path string) (string, error) {
	if !strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return "", errors.Wrapf(gwerrors.ErrInvalidRequest, "[APIExecutor.resolve] invalid path %q", path)
	}
	target := e.baseURL + path
	parsed, err := url.Parse(target)
	if err != nil {
		return "", errors.Wrapf(gwerrors.ErrInvalidRequest, "[APIExecutor.resolve] %q", path)
	}
	if !strings.HasPrefix(parsed.String(), e.baseURL) {
		return "", errors.Wrapf(gwerrors.ErrInvalidRequest, "[APIExecutor.resolve] path escapes API base: %q", path)
	}
	return parsed.String(), nil
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", errors.Wrapf(gwerrors.ErrInvalidRequest, "[stringArg] %s is required", key)
	}
	return value, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}

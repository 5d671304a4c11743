package clients

import (
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jrsteele09/go-mcp-gateway/internal/errors"
)

// InMemoryRepo is a thread-safe in-memory implementation of Repo.
type InMemoryRepo struct {
	mu      sync.RWMutex
	clients map[string]*Client

	nowFunc func() time.Time
}

type InMemoryRepoOption func(*InMemoryRepo)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.nowFunc = now
	}
}

// NewInMemoryRepo creates a new in-memory client repository.
func NewInMemoryRepo(options ...InMemoryRepoOption) *InMemoryRepo {
	r := &InMemoryRepo{
		clients: make(map[string]*Client),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register validates the redirect URIs and stores the registration.
func (r *InMemoryRepo) Register(name string, redirectURIs []string) (*Client, error) {
	if len(redirectURIs) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRedirectURI, "[InMemoryRepo.Register] at least one redirect_uri is required")
	}
	for _, uri := range redirectURIs {
		parsed, err := url.Parse(uri)
		if err != nil || !parsed.IsAbs() || parsed.Fragment != "" {
			return nil, errors.Wrapf(errors.ErrInvalidRedirectURI, "[InMemoryRepo.Register] %q", uri)
		}
	}

	client := &Client{
		ID:           uuid.New().String(),
		Name:         name,
		RedirectURIs: append([]string(nil), redirectURIs...),
		CreatedAt:    r.nowFunc(),
	}

	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()

	return copyClient(client), nil
}

// Get returns a copy of the client.
func (r *InMemoryRepo) Get(clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	if !ok {
		return nil, errors.ErrClientNotFound
	}
	return copyClient(client), nil
}

func copyClient(c *Client) *Client {
	clone := *c
	clone.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &clone
}

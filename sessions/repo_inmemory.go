package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-mcp-gateway/internal/errors"
)

// InMemoryRepo is a thread-safe in-memory implementation of Repo.
//
// All map operations complete under the lock without any I/O, so unrelated
// sessions are never serialized behind upstream network calls.
type InMemoryRepo struct {
	mu       sync.RWMutex
	sessions map[string]*SessionData

	sessionTTL time.Duration
	nowFunc    func() time.Time
}

type InMemoryRepoOption func(*InMemoryRepo)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.nowFunc = now
	}
}

// NewInMemoryRepo creates a new in-memory session repository.
func NewInMemoryRepo(sessionTTL time.Duration, options ...InMemoryRepoOption) *InMemoryRepo {
	r := &InMemoryRepo{
		sessions:   make(map[string]*SessionData),
		sessionTTL: sessionTTL,
		nowFunc:    time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Create starts a new session with a fresh ID and CSRF state nonce.
func (r *InMemoryRepo) Create(downstream *DownstreamRequest) (*SessionData, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrapf(err, "[InMemoryRepo.Create] rand.Read")
	}

	session := &SessionData{
		ID:         uuid.New().String(),
		CSRFState:  base64.RawURLEncoding.EncodeToString(nonce),
		CreatedAt:  r.nowFunc(),
		Downstream: downstream,
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	return copySession(session), nil
}

// Get returns a copy of the session to prevent external modifications.
func (r *InMemoryRepo) Get(sessionID string) (*SessionData, error) {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.ErrSessionExpired
	}
	return copySession(session), nil
}

// MutateOnCallback attaches credentials and identity exactly once.
func (r *InMemoryRepo) MutateOnCallback(sessionID string, creds *UpstreamCredentials, identity *UserIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		// Already swept or never existed. The caller reports this as a
		// user-facing "session expired", not a server error.
		log.Warn().Str("session_id", sessionID).Msg("callback for missing session")
		return errors.ErrSessionExpired
	}
	if session.Upstream != nil {
		// Replayed callback. Never overwrite identity or credentials.
		log.Warn().Str("session_id", sessionID).Msg("duplicate callback for completed session")
		return errors.ErrSessionCompleted
	}

	credsCopy := *creds
	identityCopy := *identity
	session.Upstream = &credsCopy
	session.Identity = &identityCopy
	return nil
}

// UpdateCredentials swaps in refreshed upstream credentials. An update
// carrying an older expiry than the stored one loses the race and is
// dropped, so concurrent refreshes cannot roll a session backwards.
func (r *InMemoryRepo) UpdateCredentials(sessionID string, creds *UpstreamCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return errors.ErrSessionExpired
	}
	if session.Upstream != nil && creds.Expiry.Before(session.Upstream.Expiry) {
		return nil
	}

	credsCopy := *creds
	session.Upstream = &credsCopy
	return nil
}

// Delete removes a session, reporting whether it existed.
func (r *InMemoryRepo) Delete(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	return ok
}

// SweepExpired removes sessions past the absolute TTL, regardless of use.
func (r *InMemoryRepo) SweepExpired() int {
	cutoff := r.nowFunc().Add(-r.sessionTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, session := range r.sessions {
		if session.CreatedAt.Before(cutoff) {
			delete(r.sessions, id)
			count++
		}
	}
	if count > 0 {
		log.Debug().Int("count", count).Msg("swept expired sessions")
	}
	return count
}

// StartSweeper runs SweepExpired on the given interval until ctx is done.
func (r *InMemoryRepo) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepExpired()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func copySession(s *SessionData) *SessionData {
	c := *s
	if s.Downstream != nil {
		d := *s.Downstream
		c.Downstream = &d
	}
	if s.Upstream != nil {
		u := *s.Upstream
		c.Upstream = &u
	}
	if s.Identity != nil {
		i := *s.Identity
		c.Identity = &i
	}
	return &c
}

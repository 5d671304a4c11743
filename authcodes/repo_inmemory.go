package authcodes

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-mcp-gateway/internal/errors"
)

const defaultCodeLength = 32

// InMemoryRepo is a thread-safe in-memory implementation of Repo.
//
// Redemption is linearizable per code: the used marker flips under the
// store lock, so exactly one redeemer ever receives the record. The record
// itself is purged on first redemption; only an empty replay marker stays
// behind (until the TTL sweep) so that replays are reported as
// "already used" rather than "not found".
type InMemoryRepo struct {
	mu    sync.Mutex
	codes map[string]*codeEntry

	codeTTL    time.Duration
	codeLength int
	nowFunc    func() time.Time
}

type codeEntry struct {
	data      *CodeData
	used      bool
	createdAt time.Time
}

type InMemoryRepoOption func(*InMemoryRepo)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.nowFunc = now
	}
}

// WithCodeLength sets the number of random bytes in a generated code.
func WithCodeLength(length int) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.codeLength = length
	}
}

// NewInMemoryRepo creates a new in-memory authorization code repository.
func NewInMemoryRepo(codeTTL time.Duration, options ...InMemoryRepoOption) *InMemoryRepo {
	r := &InMemoryRepo{
		codes:      make(map[string]*codeEntry),
		codeTTL:    codeTTL,
		codeLength: defaultCodeLength,
		nowFunc:    time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Issue creates a single-use code for the session.
func (r *InMemoryRepo) Issue(sessionID, codeChallenge string) (string, error) {
	bytes := make([]byte, r.codeLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrapf(err, "[InMemoryRepo.Issue] rand.Read")
	}
	code := base64.RawURLEncoding.EncodeToString(bytes)

	now := r.nowFunc()
	r.mu.Lock()
	r.codes[code] = &codeEntry{
		data: &CodeData{
			Code:          code,
			SessionID:     sessionID,
			CodeChallenge: codeChallenge,
			CreatedAt:     now,
		},
		createdAt: now,
	}
	r.mu.Unlock()

	return code, nil
}

// Redeem consumes a code; the first caller wins.
func (r *InMemoryRepo) Redeem(code string) (*CodeData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.codes[code]
	if !ok {
		return nil, errors.ErrCodeNotFound
	}
	if entry.used {
		return nil, errors.ErrCodeAlreadyUsed
	}
	if r.nowFunc().Sub(entry.createdAt) > r.codeTTL {
		delete(r.codes, code)
		return nil, errors.ErrCodeExpired
	}

	data := *entry.data
	// Purge the record, keep only the replay marker.
	entry.data = nil
	entry.used = true

	return &data, nil
}

// SweepExpired removes expired codes and stale replay markers.
func (r *InMemoryRepo) SweepExpired() int {
	cutoff := r.nowFunc().Add(-r.codeTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for code, entry := range r.codes {
		if entry.createdAt.Before(cutoff) {
			delete(r.codes, code)
			count++
		}
	}
	if count > 0 {
		log.Debug().Int("count", count).Msg("swept expired authorization codes")
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

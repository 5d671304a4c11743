package sessions_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-mcp-gateway/internal/errors"
	"github.com/jrsteele09/go-mcp-gateway/sessions"
)

func TestCreateAndGet(t *testing.T) {
	repo := sessions.NewInMemoryRepo(24 * time.Hour)

	created, err := repo.Create(nil)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.CSRFState)
	require.Nil(t, created.Downstream)

	got, err := repo.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, created.CSRFState, got.CSRFState)
}

func TestCreatePreservesDownstreamRequest(t *testing.T) {
	repo := sessions.NewInMemoryRepo(24 * time.Hour)

	down := &sessions.DownstreamRequest{
		ClientID:      "client-1",
		RedirectURI:   "https://example.com/cb",
		State:         "xyz",
		CodeChallenge: "challenge",
	}
	created, err := repo.Create(down)
	require.NoError(t, err)

	got, err := repo.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, *down, *got.Downstream)
}

func TestGetMissingSession(t *testing.T) {
	repo := sessions.NewInMemoryRepo(24 * time.Hour)

	_, err := repo.Get("no-such-session")
	require.ErrorIs(t, err, errors.ErrSessionExpired)
}

func TestGetReturnsCopy(t *testing.T) {
	repo := sessions.NewInMemoryRepo(24 * time.Hour)

	created, err := repo.Create(nil)
	require.NoError(t, err)

	got, err := repo.Get(created.ID)
	require.NoError(t, err)
	got.CSRFState = "tampered"

	again, err := repo.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, created.CSRFState, again.CSRFState)
}

func TestMutateOnCallbackHappensAtMostOnce(t *testing.T) {
	repo := sessions.NewInMemoryRepo(24 * time.Hour)

	created, err := repo.Create(nil)
	require.NoError(t, err)

	creds := &sessions.UpstreamCredentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Hour),
	}
	identity := &sessions.UserIdentity{ID: "user-1", Name: "John Doe", Email: "john.doe@example.com"}

	require.NoError(t, repo.MutateOnCallback(created.ID, creds, identity))

	// Replayed callback must not overwrite.
	replay := &sessions.UpstreamCredentials{AccessToken: "attacker"}
	err = repo.MutateOnCallback(created.ID, replay, &sessions.UserIdentity{ID: "mallory"})
	require.ErrorIs(t, err, errors.ErrSessionCompleted)

	got, err := repo.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, "access-1", got.Upstream.AccessToken)
	require.Equal(t, "user-1", got.Identity.ID)
}

func TestMutateOnCallbackMissingSession(t *testing.T) {
	repo := sessions.NewInMemoryRepo(24 * time.Hour)

	err := repo.MutateOnCallback("gone", &sessions.UpstreamCredentials{}, &sessions.UserIdentity{})
	require.ErrorIs(t, err, errors.ErrSessionExpired)
}

func TestUpdateCredentialsDropsStaleUpdate(t *testing.T) {
	repo := sessions.NewInMemoryRepo(24 * time.Hour)

	created, err := repo.Create(nil)
	require.NoError(t, err)

	newer := &sessions.UpstreamCredentials{AccessToken: "newer", Expiry: time.Now().Add(2 * time.Hour)}
	older := &sessions.UpstreamCredentials{AccessToken: "older", Expiry: time.Now().Add(time.Hour)}

	require.NoError(t, repo.MutateOnCallback(created.ID, older, &sessions.UserIdentity{ID: "u"}))
	require.NoError(t, repo.UpdateCredentials(created.ID, newer))
	require.NoError(t, repo.UpdateCredentials(created.ID, older)) // stale, dropped

	got, err := repo.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, "newer", got.Upstream.AccessToken)
}

func TestSweepExpired(t *testing.T) {
	now := time.Now()
	repo := sessions.NewInMemoryRepo(24*time.Hour, sessions.WithNowFunc(func() time.Time { return now }))

	old, err := repo.Create(nil)
	require.NoError(t, err)

	// Advance the clock past the TTL and create a fresh session.
	now = now.Add(25 * time.Hour)
	fresh, err := repo.Create(nil)
	require.NoError(t, err)

	require.Equal(t, 1, repo.SweepExpired())

	_, err = repo.Get(old.ID)
	require.ErrorIs(t, err, errors.ErrSessionExpired)

	_, err = repo.Get(fresh.ID)
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	repo := sessions.NewInMemoryRepo(24 * time.Hour)

	created, err := repo.Create(nil)
	require.NoError(t, err)

	require.True(t, repo.Delete(created.ID))
	require.False(t, repo.Delete(created.ID))

	_, err = repo.Get(created.ID)
	require.ErrorIs(t, err, errors.ErrSessionExpired)
}

func TestConcurrentCallbacksSingleWinner(t *testing.T) {
	repo := sessions.NewInMemoryRepo(24 * time.Hour)

	created, err := repo.Create(nil)
	require.NoError(t, err)

	const attempts = 32
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds := &sessions.UpstreamCredentials{AccessToken: "t", Expiry: time.Now().Add(time.Hour)}
			if repo.MutateOnCallback(created.ID, creds, &sessions.UserIdentity{ID: "u"}) == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	require.Equal(t, 1, count)
}

package broker_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-mcp-gateway/authcodes"
	"github.com/jrsteele09/go-mcp-gateway/broker"
	"github.com/jrsteele09/go-mcp-gateway/clients"
	"github.com/jrsteele09/go-mcp-gateway/internal/errors"
	"github.com/jrsteele09/go-mcp-gateway/sessions"
	"github.com/jrsteele09/go-mcp-gateway/token"
	"github.com/jrsteele09/go-mcp-gateway/upstream"
)

type fakeProvider struct {
	mu            sync.Mutex
	exchangeCalls int
	refreshCalls  int
	exchangeErr   error
	identityErr   error
	refreshErr    error
	refreshDelay  time.Duration
	tokenExpiry   time.Time
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*sessions.UpstreamCredentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchangeCalls++
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &sessions.UpstreamCredentials{
		AccessToken:  "upstream-access-" + code,
		RefreshToken: "upstream-refresh",
		Expiry:       p.tokenExpiry,
	}, nil
}

func (p *fakeProvider) FetchIdentity(_ context.Context, _ *sessions.UpstreamCredentials) (*sessions.UserIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.identityErr != nil {
		return nil, p.identityErr
	}
	return &sessions.UserIdentity{ID: "user-1", Name: "Alice", Email: "alice@example.com"}, nil
}

func (p *fakeProvider) Refresh(_ context.Context, _ string) (*sessions.UpstreamCredentials, error) {
	if p.refreshDelay > 0 {
		time.Sleep(p.refreshDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &sessions.UpstreamCredentials{
		AccessToken:  "upstream-access-refreshed",
		RefreshToken: "upstream-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

var _ upstream.Provider = (*fakeProvider)(nil)

type testFixture struct {
	broker      *broker.Broker
	sessionRepo *sessions.InMemoryRepo
	clientRepo  *clients.InMemoryRepo
	provider    *fakeProvider
	issuer      *token.Issuer
	codec       *broker.StateCodec
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	signingKey, err := token.DeriveKey("test-secret", "credential-signing", 32)
	require.NoError(t, err)
	stateKey, err := token.DeriveKey("test-secret", "state-integrity", 32)
	require.NoError(t, err)

	issuer, err := token.NewIssuer(token.NewHMACSigner(signingKey), "https://gateway.example.com")
	require.NoError(t, err)
	codec, err := broker.NewStateCodec(stateKey)
	require.NoError(t, err)

	sessionRepo := sessions.NewInMemoryRepo(24 * time.Hour)
	clientRepo := clients.NewInMemoryRepo()
	provider := &fakeProvider{tokenExpiry: time.Now().Add(time.Hour)}

	b, err := broker.New(broker.Repos{
		Sessions: sessionRepo,
		Codes:    authcodes.NewInMemoryRepo(10 * time.Minute),
		Clients:  clientRepo,
	}, provider, issuer, codec)
	require.NoError(t, err)

	return &testFixture{
		broker:      b,
		sessionRepo: sessionRepo,
		clientRepo:  clientRepo,
		provider:    provider,
		issuer:      issuer,
		codec:       codec,
	}
}

func (f *testFixture) registerClient(t *testing.T) *clients.Client {
	t.Helper()
	client, err := f.clientRepo.Register("Test MCP Client", []string{"http://localhost:8765/callback"})
	require.NoError(t, err)
	return client
}

// stateFromRedirect pulls the signed state parameter out of the upstream
// authorization URL.
func stateFromRedirect(t *testing.T, redirectURL string) string {
	t.Helper()
	parsed, err := url.Parse(redirectURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func pkcePair() (verifier, challenge string) {
	verifier = "test-verifier-0123456789-0123456789-0123456789"
	hash := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(hash[:])
}

func TestDirectFlowMintsCredential(t *testing.T) {
	f := newTestFixture(t)

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)
	require.Contains(t, auth.RedirectURL, "https://idp.example.com/authorize")

	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{
		Code:  "upstream-code",
		State: stateFromRedirect(t, auth.RedirectURL),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Token)
	require.Equal(t, "Bearer", result.Token.TokenType)
	require.Empty(t, result.RedirectURL)

	claims, err := f.issuer.Verify(result.Token.AccessToken)
	require.NoError(t, err)
	require.Equal(t, auth.SessionID, claims.SessionID)
	require.Equal(t, "user-1", claims.UserID)
}

func TestDelegatedFlowWithPKCE(t *testing.T) {
	f := newTestFixture(t)
	client := f.registerClient(t)
	verifier, challenge := pkcePair()

	auth, err := f.broker.BeginDownstreamAuthorization(broker.AuthorizationRequest{
		ClientID:            client.ID,
		RedirectURI:         "http://localhost:8765/callback",
		State:               "downstream-state",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		ResponseType:        "code",
	})
	require.NoError(t, err)

	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{
		Code:  "upstream-code",
		State: stateFromRedirect(t, auth.RedirectURL),
	})
	require.NoError(t, err)
	require.Nil(t, result.Token)

	redirect, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8765/callback", redirect.Scheme+"://"+redirect.Host+redirect.Path)
	require.Equal(t, "downstream-state", redirect.Query().Get("state"))
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)

	response, err := f.broker.RedeemDownstreamCode(broker.TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	claims, err := f.issuer.Verify(response.AccessToken)
	require.NoError(t, err)
	require.Equal(t, auth.SessionID, claims.SessionID)
}

func TestBeginRejectsUnknownClientAndRedirect(t *testing.T) {
	f := newTestFixture(t)
	client := f.registerClient(t)

	_, err := f.broker.BeginDownstreamAuthorization(broker.AuthorizationRequest{
		ClientID:    "unknown",
		RedirectURI: "http://localhost:8765/callback",
	})
	require.ErrorIs(t, err, errors.ErrClientNotFound)

	_, err = f.broker.BeginDownstreamAuthorization(broker.AuthorizationRequest{
		ClientID:    client.ID,
		RedirectURI: "http://evil.example.com/callback",
	})
	require.ErrorIs(t, err, errors.ErrInvalidRedirectURI)

	_, err = f.broker.BeginDownstreamAuthorization(broker.AuthorizationRequest{
		ClientID:            client.ID,
		RedirectURI:         "http://localhost:8765/callback",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "plain",
	})
	require.ErrorIs(t, err, errors.ErrInvalidRequest)
}

func TestCallbackCsrfMismatchIsFatal(t *testing.T) {
	f := newTestFixture(t)

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)

	// A state signed with our key but carrying the wrong nonce for this
	// session: decodes fine, fails the CSRF comparison.
	forged, err := f.codec.Encode(auth.SessionID, "wrong-nonce")
	require.NoError(t, err)

	_, err = f.broker.HandleCallback(context.Background(), broker.Callback{Code: "upstream-code", State: forged})
	require.ErrorIs(t, err, errors.ErrCsrfMismatch)

	// Fatal: the attempt is discarded, a retry with the genuine state fails.
	_, err = f.broker.HandleCallback(context.Background(), broker.Callback{
		Code:  "upstream-code",
		State: stateFromRedirect(t, auth.RedirectURL),
	})
	require.ErrorIs(t, err, errors.ErrSessionExpired)
}

func TestCallbackWithTamperedState(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)

	_, err = f.broker.HandleCallback(context.Background(), broker.Callback{Code: "upstream-code", State: "tampered.state"})
	require.ErrorIs(t, err, errors.ErrCsrfMismatch)
}

func TestCallbackMissingParameters(t *testing.T) {
	f := newTestFixture(t)

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)

	_, err = f.broker.HandleCallback(context.Background(), broker.Callback{Code: "upstream-code"})
	require.ErrorIs(t, err, errors.ErrMissingState)

	_, err = f.broker.HandleCallback(context.Background(), broker.Callback{State: stateFromRedirect(t, auth.RedirectURL)})
	require.ErrorIs(t, err, errors.ErrMissingCode)
}

func TestCallbackRecoversSessionFromCookie(t *testing.T) {
	f := newTestFixture(t)

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)

	// Cookie survives alongside the state; recovery still works and the
	// CSRF nonce still has to match.
	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{
		CookieSessionID: auth.SessionID,
		Code:            "upstream-code",
		State:           stateFromRedirect(t, auth.RedirectURL),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Token)
}

func TestDoubleCallbackRejected(t *testing.T) {
	f := newTestFixture(t)

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)
	state := stateFromRedirect(t, auth.RedirectURL)

	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{Code: "upstream-code", State: state})
	require.NoError(t, err)

	_, err = f.broker.HandleCallback(context.Background(), broker.Callback{Code: "upstream-code", State: state})
	require.ErrorIs(t, err, errors.ErrSessionCompleted)

	// The replay does not disturb the completed session: the credential
	// from the first callback still resolves.
	_, _, err = f.broker.VerifyCredential(context.Background(), result.Token.AccessToken)
	require.NoError(t, err)
}

// barrierProvider holds every Exchange call at a barrier so two callbacks
// for the same session can both pass the completed-session check before
// either one mutates the store.
type barrierProvider struct {
	*fakeProvider
	arrived chan struct{}
	release chan struct{}
}

func (p *barrierProvider) Exchange(ctx context.Context, code string) (*sessions.UpstreamCredentials, error) {
	p.arrived <- struct{}{}
	<-p.release
	return p.fakeProvider.Exchange(ctx, code)
}

func TestConcurrentDoubleCallbackKeepsWinner(t *testing.T) {
	f := newTestFixture(t)
	provider := &barrierProvider{
		fakeProvider: f.provider,
		arrived:      make(chan struct{}, 2),
		release:      make(chan struct{}),
	}

	b, err := broker.New(broker.Repos{
		Sessions: f.sessionRepo,
		Codes:    authcodes.NewInMemoryRepo(10 * time.Minute),
		Clients:  f.clientRepo,
	}, provider, f.issuer, f.codec)
	require.NoError(t, err)

	auth, err := b.BeginDirectAuthorization()
	require.NoError(t, err)
	state := stateFromRedirect(t, auth.RedirectURL)

	type outcome struct {
		result *broker.CallbackResult
		err    error
	}
	outcomes := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			result, err := b.HandleCallback(context.Background(), broker.Callback{Code: "upstream-code", State: state})
			outcomes <- outcome{result, err}
		}()
	}

	// Both callbacks are now past the completed-session check; release them.
	<-provider.arrived
	<-provider.arrived
	close(provider.release)

	var winner *broker.CallbackResult
	var loserErr error
	for i := 0; i < 2; i++ {
		o := <-outcomes
		if o.err == nil {
			winner = o.result
		} else {
			loserErr = o.err
		}
	}
	require.NotNil(t, winner)
	require.NotNil(t, winner.Token)
	require.ErrorIs(t, loserErr, errors.ErrSessionCompleted)

	// The loser must not have torn the session down: the winner's
	// credential still resolves.
	_, _, err = b.VerifyCredential(context.Background(), winner.Token.AccessToken)
	require.NoError(t, err)
}

func TestDeniedCallbackReplayKeepsCompletedSession(t *testing.T) {
	f := newTestFixture(t)

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)
	state := stateFromRedirect(t, auth.RedirectURL)

	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{Code: "upstream-code", State: state})
	require.NoError(t, err)

	// Replaying the callback URL with an upstream error parameter after the
	// flow succeeded must not kill the live session.
	_, err = f.broker.HandleCallback(context.Background(), broker.Callback{
		State:     state,
		ErrorCode: "access_denied",
	})
	require.ErrorIs(t, err, errors.ErrUpstreamDenied)

	_, _, err = f.broker.VerifyCredential(context.Background(), result.Token.AccessToken)
	require.NoError(t, err)
}

func TestUpstreamDeniedRedirectsDownstream(t *testing.T) {
	f := newTestFixture(t)
	client := f.registerClient(t)

	auth, err := f.broker.BeginDownstreamAuthorization(broker.AuthorizationRequest{
		ClientID:    client.ID,
		RedirectURI: "http://localhost:8765/callback",
		State:       "downstream-state",
	})
	require.NoError(t, err)

	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{
		State:            stateFromRedirect(t, auth.RedirectURL),
		ErrorCode:        "access_denied",
		ErrorDescription: "user cancelled",
	})
	require.ErrorIs(t, err, errors.ErrUpstreamDenied)
	require.NotNil(t, result)

	redirect, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	require.Equal(t, "access_denied", redirect.Query().Get("error"))
	require.Equal(t, "downstream-state", redirect.Query().Get("state"))
	require.NotEmpty(t, redirect.Query().Get("error_description"))
}

func TestUpstreamExchangeFailureRedirectsDownstream(t *testing.T) {
	f := newTestFixture(t)
	client := f.registerClient(t)
	f.provider.exchangeErr = errors.Wrapf(errors.ErrUpstreamExchange, "token endpoint returned 500")

	auth, err := f.broker.BeginDownstreamAuthorization(broker.AuthorizationRequest{
		ClientID:    client.ID,
		RedirectURI: "http://localhost:8765/callback",
		State:       "downstream-state",
	})
	require.NoError(t, err)

	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{
		Code:  "upstream-code",
		State: stateFromRedirect(t, auth.RedirectURL),
	})
	require.ErrorIs(t, err, errors.ErrUpstreamExchange)
	require.NotNil(t, result)
	require.Contains(t, result.RedirectURL, "error=server_error")
}

func TestRedeemRejectsWrongGrantType(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.broker.RedeemDownstreamCode(broker.TokenRequest{GrantType: "client_credentials", Code: "x"})
	require.ErrorIs(t, err, errors.ErrUnsupportedGrantType)
}

func TestRedeemTwiceFails(t *testing.T) {
	f := newTestFixture(t)
	client := f.registerClient(t)

	auth, err := f.broker.BeginDownstreamAuthorization(broker.AuthorizationRequest{
		ClientID:    client.ID,
		RedirectURI: "http://localhost:8765/callback",
	})
	require.NoError(t, err)

	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{
		Code:  "upstream-code",
		State: stateFromRedirect(t, auth.RedirectURL),
	})
	require.NoError(t, err)

	redirect, _ := url.Parse(result.RedirectURL)
	code := redirect.Query().Get("code")

	_, err = f.broker.RedeemDownstreamCode(broker.TokenRequest{GrantType: "authorization_code", Code: code})
	require.NoError(t, err)

	_, err = f.broker.RedeemDownstreamCode(broker.TokenRequest{GrantType: "authorization_code", Code: code})
	require.ErrorIs(t, err, errors.ErrCodeAlreadyUsed)
}

func TestRedeemEnforcesPKCE(t *testing.T) {
	f := newTestFixture(t)
	client := f.registerClient(t)
	_, challenge := pkcePair()

	issueCode := func() string {
		auth, err := f.broker.BeginDownstreamAuthorization(broker.AuthorizationRequest{
			ClientID:      client.ID,
			RedirectURI:   "http://localhost:8765/callback",
			CodeChallenge: challenge,
		})
		require.NoError(t, err)
		result, err := f.broker.HandleCallback(context.Background(), broker.Callback{
			Code:  "upstream-code",
			State: stateFromRedirect(t, auth.RedirectURL),
		})
		require.NoError(t, err)
		redirect, _ := url.Parse(result.RedirectURL)
		return redirect.Query().Get("code")
	}

	// Missing verifier.
	_, err := f.broker.RedeemDownstreamCode(broker.TokenRequest{
		GrantType: "authorization_code",
		Code:      issueCode(),
	})
	require.ErrorIs(t, err, errors.ErrPKCEFailed)

	// Mismatched verifier.
	_, err = f.broker.RedeemDownstreamCode(broker.TokenRequest{
		GrantType:    "authorization_code",
		Code:         issueCode(),
		CodeVerifier: "not-the-right-verifier",
	})
	require.ErrorIs(t, err, errors.ErrPKCEFailed)
}

func TestResolveCredentialsRefreshesNearExpiry(t *testing.T) {
	f := newTestFixture(t)
	f.provider.tokenExpiry = time.Now().Add(30 * time.Second) // inside the refresh margin

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)
	_, err = f.broker.HandleCallback(context.Background(), broker.Callback{
		Code:  "upstream-code",
		State: stateFromRedirect(t, auth.RedirectURL),
	})
	require.NoError(t, err)

	session, err := f.broker.ResolveCredentials(context.Background(), auth.SessionID)
	require.NoError(t, err)
	require.Equal(t, "upstream-access-refreshed", session.Upstream.AccessToken)
	require.Equal(t, 1, f.provider.refreshCalls)

	// Fresh credentials are served without another upstream call.
	_, err = f.broker.ResolveCredentials(context.Background(), auth.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, f.provider.refreshCalls)
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	f := newTestFixture(t)
	f.provider.tokenExpiry = time.Now().Add(30 * time.Second)
	f.provider.refreshDelay = 20 * time.Millisecond

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)
	_, err = f.broker.HandleCallback(context.Background(), broker.Callback{
		Code:  "upstream-code",
		State: stateFromRedirect(t, auth.RedirectURL),
	})
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := f.broker.ResolveCredentials(context.Background(), auth.SessionID)
			require.NoError(t, err)
			require.Equal(t, "upstream-access-refreshed", session.Upstream.AccessToken)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, f.provider.refreshCalls)
}

func TestVerifyCredentialResolvesSession(t *testing.T) {
	f := newTestFixture(t)

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)
	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{
		Code:  "upstream-code",
		State: stateFromRedirect(t, auth.RedirectURL),
	})
	require.NoError(t, err)

	claims, session, err := f.broker.VerifyCredential(context.Background(), result.Token.AccessToken)
	require.NoError(t, err)
	require.Equal(t, auth.SessionID, claims.SessionID)
	require.Equal(t, "alice@example.com", session.Identity.Email)
}

func TestVerifyCredentialAfterLogout(t *testing.T) {
	f := newTestFixture(t)

	auth, err := f.broker.BeginDirectAuthorization()
	require.NoError(t, err)
	result, err := f.broker.HandleCallback(context.Background(), broker.Callback{
		Code:  "upstream-code",
		State: stateFromRedirect(t, auth.RedirectURL),
	})
	require.NoError(t, err)

	require.True(t, f.broker.Logout(auth.SessionID))

	_, _, err = f.broker.VerifyCredential(context.Background(), result.Token.AccessToken)
	require.ErrorIs(t, err, errors.ErrSessionExpired)
}

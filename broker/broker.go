package broker

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/jrsteele09/go-mcp-gateway/authcodes"
	"github.com/jrsteele09/go-mcp-gateway/clients"
	gwerrors "github.com/jrsteele09/go-mcp-gateway/internal/errors"
	"github.com/jrsteele09/go-mcp-gateway/sessions"
	"github.com/jrsteele09/go-mcp-gateway/token"
	"github.com/jrsteele09/go-mcp-gateway/upstream"
)

// Broker orchestrates the double-hop authorization flow: toward downstream
// MCP clients it acts as an OAuth2 authorization server, toward the
// upstream provider it acts as an OAuth2 client. Each authorization attempt
// moves through started -> callback received -> succeeded or failed, and
// the session record carries the attempt across the redirect chain.
type Broker struct {
	sessionRepo sessions.Repo
	codeRepo    authcodes.Repo
	clientRepo  clients.Repo
	provider    upstream.Provider
	issuer      *token.Issuer
	state       *StateCodec

	refreshGroup  singleflight.Group
	refreshMargin time.Duration
	nowFunc       func() time.Time
}

// Repos groups the stores the broker depends on.
type Repos struct {
	Sessions sessions.Repo
	Codes    authcodes.Repo
	Clients  clients.Repo
}

type BrokerOption func(*Broker)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.nowFunc = now
	}
}

// WithRefreshMargin sets how close to expiry an upstream access token may
// get before the broker refreshes it proactively.
func WithRefreshMargin(margin time.Duration) BrokerOption {
	return func(b *Broker) {
		b.refreshMargin = margin
	}
}

// New creates a Broker.
func New(repos Repos, provider upstream.Provider, issuer *token.Issuer, state *StateCodec, options ...BrokerOption) (*Broker, error) {
	if repos.Sessions == nil || repos.Codes == nil || repos.Clients == nil {
		return nil, errors.New("[broker.New] all repos are required")
	}
	if provider == nil || issuer == nil || state == nil {
		return nil, errors.New("[broker.New] provider, issuer and state codec are required")
	}
	b := &Broker{
		sessionRepo:   repos.Sessions,
		codeRepo:      repos.Codes,
		clientRepo:    repos.Clients,
		provider:      provider,
		issuer:        issuer,
		state:         state,
		refreshMargin: 2 * time.Minute,
		nowFunc:       time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

// AuthorizationRequest is a downstream client's parsed /oauth/authorize
// request.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	ResponseType        string
}

// Authorization is the outcome of starting an authorization attempt.
type Authorization struct {
	SessionID   string // For the session-correlating cookie
	RedirectURL string // Upstream authorization endpoint with signed state
}

// TokenResponse is the body returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// CallbackResult is the outcome of handling the upstream callback. Exactly
// one of RedirectURL (delegated flow) or Token (direct flow) is set on
// success; RedirectURL is also set when a delegated flow fails and the
// error must travel back to the downstream client.
type CallbackResult struct {
	RedirectURL string
	Token       *TokenResponse
	Identity    *sessions.UserIdentity
}

// BeginDownstreamAuthorization validates a downstream client's
// authorization request, creates the session, and returns the upstream
// redirect carrying the signed state token.
func (b *Broker) BeginDownstreamAuthorization(req AuthorizationRequest) (*Authorization, error) {
	if req.ResponseType != "" && req.ResponseType != "code" {
		return nil, errors.Wrapf(gwerrors.ErrInvalidRequest, "[Broker.BeginDownstreamAuthorization] unsupported response_type %q", req.ResponseType)
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "S256" {
		return nil, errors.Wrapf(gwerrors.ErrInvalidRequest, "[Broker.BeginDownstreamAuthorization] unsupported code_challenge_method %q", req.CodeChallengeMethod)
	}

	client, err := b.clientRepo.Get(req.ClientID)
	if err != nil {
		return nil, errors.Wrapf(err, "[Broker.BeginDownstreamAuthorization] client %q", req.ClientID)
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, errors.Wrapf(gwerrors.ErrInvalidRedirectURI, "[Broker.BeginDownstreamAuthorization] %q not registered for client %q", req.RedirectURI, req.ClientID)
	}

	return b.begin(&sessions.DownstreamRequest{
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		State:         req.State,
		CodeChallenge: req.CodeChallenge,
	})
}

// BeginDirectAuthorization starts a browser flow with no downstream client.
func (b *Broker) BeginDirectAuthorization() (*Authorization, error) {
	return b.begin(nil)
}

func (b *Broker) begin(downstream *sessions.DownstreamRequest) (*Authorization, error) {
	session, err := b.sessionRepo.Create(downstream)
	if err != nil {
		return nil, errors.Wrap(err, "[Broker.begin] create session")
	}

	state, err := b.state.Encode(session.ID, session.CSRFState)
	if err != nil {
		return nil, errors.Wrap(err, "[Broker.begin] encode state")
	}

	return &Authorization{
		SessionID:   session.ID,
		RedirectURL: b.provider.AuthCodeURL(state),
	}, nil
}

// Callback is the upstream provider's parsed callback request.
type Callback struct {
	CookieSessionID  string // Session cookie, if the browser kept it
	Code             string
	State            string
	ErrorCode        string // Upstream "error" parameter, if the user denied
	ErrorDescription string
}

// HandleCallback completes an authorization attempt. The session is
// recovered from the state-encoded identifier first, the cookie second.
// A state whose signature or nonce does not verify is fatal for the
// attempt. Errors in a delegated flow are converted into a redirect back
// to the downstream client so its own flow can terminate gracefully.
func (b *Broker) HandleCallback(ctx context.Context, cb Callback) (*CallbackResult, error) {
	if cb.ErrorCode != "" {
		return b.handleUpstreamDenied(cb)
	}
	if cb.State == "" {
		return nil, gwerrors.ErrMissingState
	}
	if cb.Code == "" {
		return nil, gwerrors.ErrMissingCode
	}

	session, err := b.resolveSession(cb)
	if err != nil {
		return nil, err
	}

	// The state's nonce must match what the session was created with,
	// whichever way the session was recovered.
	payload, err := b.state.Decode(cb.State)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(payload.Nonce), []byte(session.CSRFState)) != 1 {
		return b.failDelegated(session, gwerrors.ErrCsrfMismatch)
	}
	if session.Completed() {
		return b.rejectCompleted(session, gwerrors.ErrSessionCompleted)
	}

	creds, err := b.provider.Exchange(ctx, cb.Code)
	if err != nil {
		log.Warn().Err(err).Str("sessionID", session.ID).Msg("upstream token exchange failed")
		return b.failDelegated(session, err)
	}
	identity, err := b.provider.FetchIdentity(ctx, creds)
	if err != nil {
		log.Warn().Err(err).Str("sessionID", session.ID).Msg("upstream identity fetch failed")
		return b.failDelegated(session, err)
	}

	if err := b.sessionRepo.MutateOnCallback(session.ID, creds, identity); err != nil {
		if gwerrors.Is(err, gwerrors.ErrSessionCompleted) {
			// Lost the race against a concurrent callback for the same
			// session. The winner's outcome stands.
			return b.rejectCompleted(session, err)
		}
		return b.failDelegated(session, err)
	}

	log.Info().Str("sessionID", session.ID).Str("userID", identity.ID).Msg("authorization attempt succeeded")

	if session.Downstream == nil {
		return b.succeedDirect(session, identity)
	}
	return b.succeedDelegated(session, identity)
}

// resolveSession recovers the session for a callback, preferring the
// state-derived identifier over the cookie.
func (b *Broker) resolveSession(cb Callback) (*sessions.SessionData, error) {
	payload, decodeErr := b.state.Decode(cb.State)
	if decodeErr == nil {
		session, err := b.sessionRepo.Get(payload.SessionID)
		if err == nil {
			return session, nil
		}
		if cb.CookieSessionID == "" || cb.CookieSessionID == payload.SessionID {
			return nil, errors.Wrapf(gwerrors.ErrSessionExpired, "[Broker.resolveSession] session %q", payload.SessionID)
		}
	} else if cb.CookieSessionID == "" {
		return nil, decodeErr
	}

	session, err := b.sessionRepo.Get(cb.CookieSessionID)
	if err != nil {
		return nil, errors.Wrapf(gwerrors.ErrSessionExpired, "[Broker.resolveSession] cookie session %q", cb.CookieSessionID)
	}
	return session, nil
}

func (b *Broker) handleUpstreamDenied(cb Callback) (*CallbackResult, error) {
	denied := errors.Wrapf(gwerrors.ErrUpstreamDenied, "[Broker.HandleCallback] upstream error %q: %s", cb.ErrorCode, cb.ErrorDescription)

	var session *sessions.SessionData
	if payload, err := b.state.Decode(cb.State); err == nil {
		session, _ = b.sessionRepo.Get(payload.SessionID)
	}
	if session == nil && cb.CookieSessionID != "" {
		session, _ = b.sessionRepo.Get(cb.CookieSessionID)
	}
	if session == nil {
		return nil, denied
	}
	if session.Completed() {
		// A replayed error callback after a successful flow must not tear
		// the completed session down.
		return b.rejectCompleted(session, denied)
	}
	return b.failDelegated(session, denied)
}

// rejectCompleted reports a replayed or racing callback without touching
// the completed session: the first callback's outcome, and any credential
// minted from it, remains valid. Delegated flows still get the error
// redirect back to the downstream client.
func (b *Broker) rejectCompleted(session *sessions.SessionData, cause error) (*CallbackResult, error) {
	if session.Downstream != nil {
		return &CallbackResult{RedirectURL: b.errorRedirect(session.Downstream, cause)}, cause
	}
	return nil, cause
}

// failDelegated ends a delegated attempt by redirecting the error to the
// downstream client; direct attempts surface the error to the caller. The
// session is discarded either way, so the attempt cannot be resumed.
func (b *Broker) failDelegated(session *sessions.SessionData, cause error) (*CallbackResult, error) {
	b.sessionRepo.Delete(session.ID)

	if session.Downstream == nil {
		return nil, cause
	}
	return &CallbackResult{RedirectURL: b.errorRedirect(session.Downstream, cause)}, cause
}

func (b *Broker) errorRedirect(downstream *sessions.DownstreamRequest, cause error) string {
	values := url.Values{}
	values.Set("error", gwerrors.OAuthCode(cause))
	values.Set("error_description", cause.Error())
	if downstream.State != "" {
		values.Set("state", downstream.State)
	}
	return redirectWith(downstream.RedirectURI, values)
}

func (b *Broker) succeedDirect(session *sessions.SessionData, identity *sessions.UserIdentity) (*CallbackResult, error) {
	response, err := b.mintCredential(session.ID, identity)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Token: response, Identity: identity}, nil
}

func (b *Broker) succeedDelegated(session *sessions.SessionData, identity *sessions.UserIdentity) (*CallbackResult, error) {
	code, err := b.codeRepo.Issue(session.ID, session.Downstream.CodeChallenge)
	if err != nil {
		return nil, errors.Wrap(err, "[Broker.succeedDelegated] issue code")
	}

	values := url.Values{}
	values.Set("code", code)
	if session.Downstream.State != "" {
		values.Set("state", session.Downstream.State)
	}
	return &CallbackResult{RedirectURL: redirectWith(session.Downstream.RedirectURI, values), Identity: identity}, nil
}

// TokenRequest is a downstream client's parsed /oauth/token request.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
}

// RedeemDownstreamCode swaps a single-use authorization code for a bearer
// credential. When the downstream client negotiated PKCE, the verifier is
// checked against the stored challenge before anything is minted.
func (b *Broker) RedeemDownstreamCode(req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != "authorization_code" {
		return nil, errors.Wrapf(gwerrors.ErrUnsupportedGrantType, "[Broker.RedeemDownstreamCode] %q", req.GrantType)
	}
	if req.Code == "" {
		return nil, errors.Wrapf(gwerrors.ErrInvalidRequest, "[Broker.RedeemDownstreamCode] code is required")
	}

	data, err := b.codeRepo.Redeem(req.Code)
	if err != nil {
		return nil, errors.Wrap(err, "[Broker.RedeemDownstreamCode] redeem")
	}

	if err := checkCodeChallenge(data.CodeChallenge, req.CodeVerifier); err != nil {
		// The code is already burned; the client must restart authorization.
		return nil, err
	}

	session, err := b.sessionRepo.Get(data.SessionID)
	if err != nil {
		return nil, errors.Wrapf(gwerrors.ErrSessionExpired, "[Broker.RedeemDownstreamCode] session %q", data.SessionID)
	}
	if !session.Completed() {
		return nil, errors.Wrapf(gwerrors.ErrInvalidRequest, "[Broker.RedeemDownstreamCode] session %q has no upstream credentials", session.ID)
	}

	return b.mintCredential(session.ID, session.Identity)
}

// checkCodeChallenge verifies a PKCE S256 code verifier against the stored
// challenge. A challenge without a verifier, or a verifier whose S256 hash
// does not match, fails the redemption.
func checkCodeChallenge(challenge, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return errors.Wrapf(gwerrors.ErrPKCEFailed, "[checkCodeChallenge] code_verifier is required")
	}
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return errors.Wrapf(gwerrors.ErrPKCEFailed, "[checkCodeChallenge] code_verifier does not match challenge")
	}
	return nil
}

func (b *Broker) mintCredential(sessionID string, identity *sessions.UserIdentity) (*TokenResponse, error) {
	signed, err := b.issuer.Issue(sessionID, identity.ID, identity.Email)
	if err != nil {
		return nil, errors.Wrap(err, "[Broker.mintCredential] issue")
	}
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(b.issuer.Expiry().Seconds()),
	}, nil
}

// ResolveCredentials returns the session's current upstream credentials,
// refreshing them first when they are expired or within the refresh
// margin. Concurrent callers for the same session share a single upstream
// refresh call.
func (b *Broker) ResolveCredentials(ctx context.Context, sessionID string) (*sessions.SessionData, error) {
	session, err := b.sessionRepo.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Completed() {
		return nil, errors.Wrapf(gwerrors.ErrSessionExpired, "[Broker.ResolveCredentials] session %q never completed", sessionID)
	}

	if !session.Upstream.Expired(b.refreshMargin, b.nowFunc()) {
		return session, nil
	}
	if session.Upstream.RefreshToken == "" {
		return nil, errors.Wrapf(gwerrors.ErrUpstreamRefresh, "[Broker.ResolveCredentials] session %q has no refresh token", sessionID)
	}

	// Single-flight per session: the first caller performs the upstream
	// refresh, the rest share its result. No store lock is held across the
	// network call.
	refreshToken := session.Upstream.RefreshToken
	_, err, _ = b.refreshGroup.Do(sessionID, func() (any, error) {
		creds, err := b.provider.Refresh(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		if err := b.sessionRepo.UpdateCredentials(sessionID, creds); err != nil {
			return nil, err
		}
		return creds, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("sessionID", sessionID).Msg("upstream token refresh failed")
		return nil, errors.Wrap(err, "[Broker.ResolveCredentials] refresh")
	}

	return b.sessionRepo.Get(sessionID)
}

// Logout discards the session, invalidating every credential that
// references it.
func (b *Broker) Logout(sessionID string) bool {
	return b.sessionRepo.Delete(sessionID)
}

// RevokeCredential verifies only the credential's signature and discards
// its session. Unlike VerifyCredential it does not touch the upstream
// provider, so a session can always be logged out even when its upstream
// tokens are beyond refresh.
func (b *Broker) RevokeCredential(rawToken string) bool {
	claims, err := b.issuer.Verify(rawToken)
	if err != nil {
		return false
	}
	return b.sessionRepo.Delete(claims.SessionID)
}

// VerifyCredential verifies a bearer credential and resolves its session,
// returning the claims and the live session record.
func (b *Broker) VerifyCredential(ctx context.Context, rawToken string) (*token.Claims, *sessions.SessionData, error) {
	claims, err := b.issuer.Verify(rawToken)
	if err != nil {
		return nil, nil, err
	}
	session, err := b.ResolveCredentials(ctx, claims.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return claims, session, nil
}

func redirectWith(redirectURI string, values url.Values) string {
	separator := "?"
	if parsed, err := url.Parse(redirectURI); err == nil && parsed.RawQuery != "" {
		separator = "&"
	}
	return redirectURI + separator + values.Encode()
}

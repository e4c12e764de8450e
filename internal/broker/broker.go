// Package broker runs the delegated-access lifecycle for connected accounts: authorization
// handshake, token refresh, and disconnect with best-effort revocation.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"content-publisher/internal/authstate"
	"content-publisher/internal/models"
	"content-publisher/internal/platform"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
)

var (
	ErrPlatformNotConfigured = errors.New("platform is not configured")
	ErrInvalidState          = errors.New("invalid authorization state")
	ErrNoRefreshToken        = errors.New("account has no refresh token")
)

// AccountStore persists connected accounts.
type AccountStore interface {
	UpsertAccount(ctx context.Context, a models.ConnectedAccount) (models.ConnectedAccount, error)
	GetAccount(ctx context.Context, id string) (models.ConnectedAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]models.ConnectedAccount, error)
	ListExpiringAccounts(ctx context.Context, before time.Time) ([]models.ConnectedAccount, error)
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error
	DeleteAccount(ctx context.Context, userID, id string) error
}

// StateStore holds single-use authorization states.
type StateStore interface {
	Save(ctx context.Context, st models.AuthorizationState) (models.AuthorizationState, error)
	Consume(ctx context.Context, token string) (models.AuthorizationState, error)
}

// AuthorizationRequest is where to send the user to grant access.
type AuthorizationRequest struct {
	URL   string `json:"authorization_url"`
	State string `json:"state"`
}

// Connection is the outcome of a successful callback.
type Connection struct {
	Account models.ConnectedAccount
	// ReturnURL is the front-end URL requested at initiation, if any.
	ReturnURL string
}

// CallbackError is a callback failure with a reason fit to show the user.
type CallbackError struct {
	Platform  string
	Reason    string
	ReturnURL string
	Err       error
}

func (e *CallbackError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s callback: %s", e.Platform, e.Reason)
	}
	return fmt.Sprintf("%s callback: %s: %v", e.Platform, e.Reason, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// Broker owns connected account credentials.
type Broker struct {
	accounts    AccountStore
	states      StateStore
	platforms   *platform.Registry
	callbackURL func(platform string) string
	log         zerolog.Logger
	now         func() time.Time
}

// New builds a broker. callbackURL returns the OAuth redirect URI registered for a platform.
func New(accounts AccountStore, states StateStore, platforms *platform.Registry, callbackURL func(string) string, log zerolog.Logger) *Broker {
	return &Broker{
		accounts:    accounts,
		states:      states,
		platforms:   platforms,
		callbackURL: callbackURL,
		log:         log.With().Str("component", "broker").Logger(),
		now:         time.Now,
	}
}

func (b *Broker) configured(name string) (platform.Platform, error) {
	p, ok := b.platforms.Get(name)
	if !ok || !p.Configured() {
		return nil, fmt.Errorf("%s: %w", name, ErrPlatformNotConfigured)
	}
	return p, nil
}

// Initiate starts an authorization handshake for userID on the named platform.
func (b *Broker) Initiate(ctx context.Context, userID, name string, scopes []string, returnURL string) (AuthorizationRequest, error) {
	p, err := b.configured(name)
	if err != nil {
		return AuthorizationRequest{}, err
	}
	token, err := authstate.NewToken()
	if err != nil {
		return AuthorizationRequest{}, err
	}
	st := models.AuthorizationState{
		Token:       token,
		UserID:      userID,
		Platform:    p.Name(),
		RedirectURL: returnURL,
	}
	if p.UsesPKCE() {
		st.Verifier = oauth2.GenerateVerifier()
	}
	if _, err := b.states.Save(ctx, st); err != nil {
		return AuthorizationRequest{}, err
	}

	url := p.AuthCodeURL(platform.AuthorizeRequest{
		State:       token,
		RedirectURL: b.callbackURL(p.Name()),
		Scopes:      scopes,
		Verifier:    st.Verifier,
	})
	b.log.Info().Str("user_id", userID).Str("platform", p.Name()).Msg("authorization initiated")
	return AuthorizationRequest{URL: url, State: token}, nil
}

// CompleteCallback consumes the state, exchanges the code and stores the connected account.
// Every failure comes back as a *CallbackError.
func (b *Broker) CompleteCallback(ctx context.Context, name, code, stateToken string) (Connection, error) {
	conn, err := b.completeCallback(ctx, name, code, stateToken)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		b.log.Warn().Err(err).Str("platform", name).Msg("authorization callback failed")
	}
	telemetry.OAuthCallbacks.WithLabelValues(name, outcome).Inc()
	return conn, err
}

func (b *Broker) completeCallback(ctx context.Context, name, code, stateToken string) (Connection, error) {
	fail := func(reason, returnURL string, err error) (Connection, error) {
		return Connection{}, &CallbackError{Platform: name, Reason: reason, ReturnURL: returnURL, Err: err}
	}

	st, err := b.states.Consume(ctx, stateToken)
	if errors.Is(err, authstate.ErrNotFound) {
		return fail("authorization state is invalid or expired", "", ErrInvalidState)
	}
	if err != nil {
		return fail("authorization state lookup failed", "", err)
	}
	if st.Platform != name {
		return fail("authorization state does not match platform", st.RedirectURL, ErrInvalidState)
	}
	if code == "" {
		return fail("authorization code is missing", st.RedirectURL, nil)
	}
	p, err := b.configured(name)
	if err != nil {
		return fail("platform is not configured", st.RedirectURL, err)
	}

	tok, err := p.Exchange(ctx, code, b.callbackURL(p.Name()), st.Verifier)
	if err != nil {
		return fail("token exchange failed", st.RedirectURL, err)
	}
	identity, err := p.FetchIdentity(ctx, tok)
	if err != nil {
		return fail("profile fetch failed", st.RedirectURL, err)
	}

	account, err := b.accounts.UpsertAccount(ctx, models.ConnectedAccount{
		UserID:       st.UserID,
		Platform:     p.Name(),
		ExternalID:   identity.ExternalID,
		DisplayName:  identity.DisplayName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiry(tok),
		AvatarURL:    identity.AvatarURL,
	})
	if err != nil {
		return fail("saving the connected account failed", st.RedirectURL, err)
	}
	b.log.Info().
		Str("user_id", account.UserID).
		Str("platform", account.Platform).
		Str("account_id", account.ID).
		Msg("account connected")
	return Connection{Account: account, ReturnURL: st.RedirectURL}, nil
}

// Accounts lists a user's connected accounts.
func (b *Broker) Accounts(ctx context.Context, userID string) ([]models.ConnectedAccount, error) {
	return b.accounts.ListAccounts(ctx, userID)
}

// Refresh renews an account's access token. Platform failures return false with a nil error;
// a missing refresh token fails fast with ErrNoRefreshToken.
func (b *Broker) Refresh(ctx context.Context, accountID string) (bool, error) {
	a, err := b.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return b.refresh(ctx, a)
}

// RefreshOwned is Refresh restricted to accounts owned by userID.
func (b *Broker) RefreshOwned(ctx context.Context, userID, accountID string) (bool, error) {
	a, err := b.owned(ctx, userID, accountID)
	if err != nil {
		return false, err
	}
	return b.refresh(ctx, a)
}

func (b *Broker) refresh(ctx context.Context, a models.ConnectedAccount) (bool, error) {
	if a.RefreshToken == "" {
		telemetry.TokenRefreshes.WithLabelValues(a.Platform, "no_refresh_token").Inc()
		return false, fmt.Errorf("account %s: %w", a.ID, ErrNoRefreshToken)
	}
	tok, err := b.platforms.Lookup(a.Platform).Refresh(ctx, a.RefreshToken)
	if err != nil {
		telemetry.TokenRefreshes.WithLabelValues(a.Platform, "failure").Inc()
		b.log.Warn().Err(err).Str("account_id", a.ID).Str("platform", a.Platform).Msg("token refresh failed")
		return false, nil
	}
	if err := b.accounts.UpdateAccountTokens(ctx, a.ID, tok.AccessToken, tok.RefreshToken, expiry(tok)); err != nil {
		return false, err
	}
	telemetry.TokenRefreshes.WithLabelValues(a.Platform, "success").Inc()
	b.log.Info().Str("account_id", a.ID).Str("platform", a.Platform).Msg("token refreshed")
	return true, nil
}

// RefreshExpiring refreshes every account whose credential expires within window.
func (b *Broker) RefreshExpiring(ctx context.Context, window time.Duration) (refreshed, failed int, err error) {
	accounts, err := b.accounts.ListExpiringAccounts(ctx, b.now().Add(window))
	if err != nil {
		return 0, 0, err
	}
	for _, a := range accounts {
		if ctx.Err() != nil {
			return refreshed, failed, ctx.Err()
		}
		ok, err := b.refresh(ctx, a)
		if err != nil {
			b.log.Error().Err(err).Str("account_id", a.ID).Msg("refresh sweep")
		}
		if ok {
			refreshed++
		} else {
			failed++
		}
	}
	return refreshed, failed, nil
}

// Disconnect revokes the account's token where the platform supports it, then deletes the
// account. A failed revoke is logged and never blocks the delete.
func (b *Broker) Disconnect(ctx context.Context, userID, accountID string) error {
	a, err := b.owned(ctx, userID, accountID)
	if err != nil {
		return err
	}
	if rv, ok := b.platforms.Lookup(a.Platform).(platform.Revoker); ok {
		if err := rv.Revoke(ctx, platform.Credential{AccessToken: a.AccessToken, ExternalID: a.ExternalID}); err != nil {
			telemetry.RevokeFailures.WithLabelValues(a.Platform).Inc()
			b.log.Warn().Err(err).Str("account_id", a.ID).Str("platform", a.Platform).Msg("revoke failed; deleting anyway")
		}
	}
	if err := b.accounts.DeleteAccount(ctx, userID, a.ID); err != nil {
		return err
	}
	b.log.Info().Str("account_id", a.ID).Str("platform", a.Platform).Msg("account disconnected")
	return nil
}

func (b *Broker) owned(ctx context.Context, userID, accountID string) (models.ConnectedAccount, error) {
	a, err := b.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return models.ConnectedAccount{}, err
	}
	if a.UserID != userID {
		return models.ConnectedAccount{}, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	return a, nil
}

func expiry(tok *oauth2.Token) *time.Time {
	if tok.Expiry.IsZero() {
		return nil
	}
	t := tok.Expiry.UTC()
	return &t
}

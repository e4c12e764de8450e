package platform

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// oauthFlow is the authorization-code handshake shared by the variants. Per-platform quirks
// are data: a renamed client id parameter, a scope separator, fixed extra parameters, PKCE.
type oauthFlow struct {
	name          string
	conf          oauth2.Config
	defaultScopes []string
	scopeSep      string
	clientIDParam string
	authParams    map[string]string
	pkce          bool
	api           apiClient
}

func (f *oauthFlow) Name() string     { return f.name }
func (f *oauthFlow) Configured() bool { return f.conf.ClientID != "" }
func (f *oauthFlow) UsesPKCE() bool   { return f.pkce }

func (f *oauthFlow) config(redirectURL string, scopes []string) *oauth2.Config {
	c := f.conf
	c.RedirectURL = redirectURL
	if len(scopes) == 0 {
		scopes = f.defaultScopes
	}
	c.Scopes = scopes
	return &c
}

// AuthCodeURL builds the authorize URL: client id, redirect uri, scope, state, response_type=code,
// then the variant's overrides.
func (f *oauthFlow) AuthCodeURL(req AuthorizeRequest) string {
	c := f.config(req.RedirectURL, req.Scopes)
	opts := make([]oauth2.AuthCodeOption, 0, len(f.authParams)+2)
	for k, v := range f.authParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if f.scopeSep != "" && f.scopeSep != " " {
		opts = append(opts, oauth2.SetAuthURLParam("scope", strings.Join(c.Scopes, f.scopeSep)))
	}
	if f.pkce && req.Verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.Verifier))
	}
	raw := c.AuthCodeURL(req.State, opts...)
	if f.clientIDParam == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Del("client_id")
	q.Set(f.clientIDParam, f.conf.ClientID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *oauthFlow) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.api.http)
}

// Exchange trades an authorization code for tokens.
func (f *oauthFlow) Exchange(ctx context.Context, code, redirectURL, verifier string) (*oauth2.Token, error) {
	c := f.config(redirectURL, nil)
	var opts []oauth2.AuthCodeOption
	if f.pkce && verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	if f.clientIDParam != "" {
		opts = append(opts, oauth2.SetAuthURLParam(f.clientIDParam, f.conf.ClientID))
	}
	tok, err := c.Exchange(f.httpContext(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s token exchange: %w", f.name, err)
	}
	return tok, nil
}

// Refresh obtains a new access token from a refresh token.
func (f *oauthFlow) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%s refresh: missing refresh token", f.name)
	}
	src := f.conf.TokenSource(f.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%s refresh: %w", f.name, err)
	}
	return tok, nil
}

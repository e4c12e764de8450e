// Package platform holds one variant per supported external platform. Every variant implements
// the same fixed interface for the authorization handshake and for publishing, so neither the
// credential broker nor the publish orchestrator carries platform-specific branches.
package platform

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"content-publisher/internal/config"
)

// ErrNotSupported is returned by handshake steps a variant does not offer.
var ErrNotSupported = errors.New("not supported by platform")

// Identity is the normalized profile of the external account behind a token.
type Identity struct {
	ExternalID  string
	DisplayName string
	AvatarURL   string
}

// Credential is what a variant needs at publish or revoke time.
type Credential struct {
	AccessToken string
	ExternalID  string
}

// Post is the platform-neutral content handed to Publish. Hashtags are already part of Body.
type Post struct {
	Body        string
	ContentType string
	MediaURLs   []string
	Link        string
}

// Result is the tagged outcome of one publish call.
type Result struct {
	Success      bool
	ExternalURL  string
	ErrorMessage string
	// Retryable marks failures worth another attempt (timeouts, 5xx, throttling).
	Retryable bool
}

// Succeeded builds a successful result.
func Succeeded(url string) Result {
	return Result{Success: true, ExternalURL: url}
}

// Failed builds a failed result.
func Failed(msg string, retryable bool) Result {
	return Result{ErrorMessage: msg, Retryable: retryable}
}

// AuthorizeRequest carries the inputs of an authorization URL.
type AuthorizeRequest struct {
	State       string
	RedirectURL string
	Scopes      []string
	// Verifier is the PKCE verifier; only read by variants that use PKCE.
	Verifier string
}

// Platform is the fixed capability set of a platform variant.
type Platform interface {
	Name() string
	// Configured reports whether an OAuth client id is present.
	Configured() bool
	UsesPKCE() bool
	AuthCodeURL(req AuthorizeRequest) string
	Exchange(ctx context.Context, code, redirectURL, verifier string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	FetchIdentity(ctx context.Context, tok *oauth2.Token) (Identity, error)
	Publish(ctx context.Context, cred Credential, post Post) Result
}

// Revoker is implemented by variants with a token revocation endpoint.
type Revoker interface {
	Revoke(ctx context.Context, cred Credential) error
}

// Options configures a variant. Empty endpoint fields fall back to the platform's production URLs.
type Options struct {
	Credentials config.PlatformCredentials
	HTTPClient  *http.Client
	AuthURL     string
	TokenURL    string
	APIBaseURL  string
	RevokeURL   string
}

func (o Options) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Registry maps platform names to variants.
type Registry struct {
	platforms map[string]Platform
}

// NewRegistry registers the given variants.
func NewRegistry(ps ...Platform) *Registry {
	r := &Registry{platforms: make(map[string]Platform, len(ps))}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a variant.
func (r *Registry) Register(p Platform) {
	r.platforms[strings.ToLower(p.Name())] = p
}

// Get returns the variant registered under name.
func (r *Registry) Get(name string) (Platform, bool) {
	p, ok := r.platforms[strings.ToLower(name)]
	return p, ok
}

// Lookup is Get falling back to the generic variant, which refuses to publish.
func (r *Registry) Lookup(name string) Platform {
	if p, ok := r.Get(name); ok {
		return p
	}
	return NewGeneric(name)
}

// Names lists registered platforms in order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Default builds every production variant from cfg. Each variant gets its own HTTP client so
// that outbound throttling is per platform.
func Default(cfg config.Config) *Registry {
	newClient := func() *http.Client {
		return NewHTTPClient(cfg.PublishTimeout, cfg.PublishRatePerSec)
	}
	opts := func(name string) Options {
		return Options{Credentials: cfg.Platform(name), HTTPClient: newClient()}
	}
	return NewRegistry(
		NewLinkedIn(opts("linkedin")),
		NewTwitter(opts("twitter")),
		NewFacebook(opts("facebook")),
		NewInstagram(opts("instagram")),
		NewTikTok(opts("tiktok")),
		NewYouTube(opts("youtube")),
	)
}

// expiryFrom converts an expires_in value into an absolute instant.
func expiryFrom(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

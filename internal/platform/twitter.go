package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

const (
	twitterAuthURL   = "https://twitter.com/i/oauth2/authorize"
	twitterTokenURL  = "https://api.twitter.com/2/oauth2/token"
	twitterRevokeURL = "https://api.twitter.com/2/oauth2/revoke"
	twitterAPI       = "https://api.twitter.com"
	twitterPostURL   = "https://twitter.com/i/web/status/"
)

// Twitter uses OAuth 2.0 with PKCE and posts through the v2 tweets endpoint.
type Twitter struct {
	*oauthFlow
	apiBase   string
	revokeURL string
}

// NewTwitter builds the Twitter variant.
func NewTwitter(opts Options) *Twitter {
	return &Twitter{
		oauthFlow: &oauthFlow{
			name: "twitter",
			conf: oauth2.Config{
				ClientID:     opts.Credentials.ClientID,
				ClientSecret: opts.Credentials.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:   firstNonEmpty(opts.AuthURL, twitterAuthURL),
					TokenURL:  firstNonEmpty(opts.TokenURL, twitterTokenURL),
					AuthStyle: oauth2.AuthStyleInHeader,
				},
			},
			defaultScopes: []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
			pkce:          true,
			api:           apiClient{http: opts.client()},
		},
		apiBase:   firstNonEmpty(opts.APIBaseURL, twitterAPI),
		revokeURL: firstNonEmpty(opts.RevokeURL, twitterRevokeURL),
	}
}

// FetchIdentity reads /2/users/me.
func (t *Twitter) FetchIdentity(ctx context.Context, tok *oauth2.Token) (Identity, error) {
	var me struct {
		Data struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			Username        string `json:"username"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	if err := t.api.getJSON(ctx, t.apiBase+"/2/users/me?user.fields=profile_image_url", tok.AccessToken, &me); err != nil {
		return Identity{}, fmt.Errorf("twitter profile: %w", err)
	}
	if me.Data.ID == "" {
		return Identity{}, fmt.Errorf("twitter profile: response has no user id")
	}
	return Identity{
		ExternalID:  me.Data.ID,
		DisplayName: firstNonEmpty(me.Data.Name, me.Data.Username),
		AvatarURL:   me.Data.ProfileImageURL,
	}, nil
}

// Publish creates a tweet. Media attachments need the separate upload API and are refused.
func (t *Twitter) Publish(ctx context.Context, cred Credential, post Post) Result {
	if len(post.MediaURLs) > 0 {
		return Failed("twitter media attachments are not supported; publish text and links only", false)
	}
	text := post.Body
	if post.Link != "" && !strings.Contains(text, post.Link) {
		text = strings.TrimSpace(text + " " + post.Link)
	}
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if _, err := t.api.sendJSON(ctx, http.MethodPost, t.apiBase+"/2/tweets", cred.AccessToken, nil,
		map[string]string{"text": text}, &created); err != nil {
		return failure("twitter post", err)
	}
	if created.Data.ID == "" {
		return Failed("twitter post returned no id", false)
	}
	return Succeeded(twitterPostURL + created.Data.ID)
}

type twitterRevokeForm struct {
	Token         string `url:"token"`
	TokenTypeHint string `url:"token_type_hint"`
}

// Revoke invalidates the access token.
func (t *Twitter) Revoke(ctx context.Context, cred Credential) error {
	_, err := t.api.sendForm(ctx, http.MethodPost, t.revokeURL,
		twitterRevokeForm{Token: cred.AccessToken, TokenTypeHint: "access_token"}, nil,
		t.conf.ClientID, t.conf.ClientSecret)
	if err != nil {
		return fmt.Errorf("twitter revoke: %w", err)
	}
	return nil
}

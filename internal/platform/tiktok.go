package platform

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

const (
	tiktokAuthURL   = "https://www.tiktok.com/v2/auth/authorize/"
	tiktokTokenURL  = "https://open.tiktokapis.com/v2/oauth/token/"
	tiktokRevokeURL = "https://open.tiktokapis.com/v2/oauth/revoke/"
	tiktokAPI       = "https://open.tiktokapis.com"
)

// TikTok names its client identifier client_key. Video posting goes through the in-app upload
// flow, so Publish always fails.
type TikTok struct {
	*oauthFlow
	apiBase   string
	revokeURL string
}

// NewTikTok builds the TikTok variant.
func NewTikTok(opts Options) *TikTok {
	return &TikTok{
		oauthFlow: &oauthFlow{
			name: "tiktok",
			conf: oauth2.Config{
				ClientID:     opts.Credentials.ClientID,
				ClientSecret: opts.Credentials.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:   firstNonEmpty(opts.AuthURL, tiktokAuthURL),
					TokenURL:  firstNonEmpty(opts.TokenURL, tiktokTokenURL),
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			defaultScopes: []string{"user.info.basic", "video.upload"},
			scopeSep:      ",",
			clientIDParam: "client_key",
			api:           apiClient{http: opts.client()},
		},
		apiBase:   firstNonEmpty(opts.APIBaseURL, tiktokAPI),
		revokeURL: firstNonEmpty(opts.RevokeURL, tiktokRevokeURL),
	}
}

type tiktokRefreshForm struct {
	ClientKey    string `url:"client_key"`
	ClientSecret string `url:"client_secret"`
	GrantType    string `url:"grant_type"`
	RefreshToken string `url:"refresh_token"`
}

type tiktokToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
}

// Refresh posts client_key rather than client_id, which the generic refresh cannot express.
func (t *TikTok) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("tiktok refresh: missing refresh token")
	}
	var tok tiktokToken
	if _, err := t.api.sendForm(ctx, http.MethodPost, t.conf.Endpoint.TokenURL, tiktokRefreshForm{
		ClientKey:    t.conf.ClientID,
		ClientSecret: t.conf.ClientSecret,
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	}, &tok); err != nil {
		return nil, fmt.Errorf("tiktok refresh: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("tiktok refresh: %s", firstNonEmpty(tok.Error, "no access token in response"))
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    firstNonEmpty(tok.TokenType, "Bearer"),
		Expiry:       expiryFrom(tok.ExpiresIn),
	}, nil
}

// FetchIdentity reads the basic user info.
func (t *TikTok) FetchIdentity(ctx context.Context, tok *oauth2.Token) (Identity, error) {
	var info struct {
		Data struct {
			User struct {
				OpenID      string `json:"open_id"`
				DisplayName string `json:"display_name"`
				AvatarURL   string `json:"avatar_url"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := t.api.getJSON(ctx, t.apiBase+"/v2/user/info/?fields=open_id,display_name,avatar_url", tok.AccessToken, &info); err != nil {
		return Identity{}, fmt.Errorf("tiktok profile: %w", err)
	}
	u := info.Data.User
	if u.OpenID == "" {
		return Identity{}, fmt.Errorf("tiktok profile: response has no open_id")
	}
	return Identity{ExternalID: u.OpenID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}, nil
}

// Publish always fails: there is no automated publish path.
func (t *TikTok) Publish(context.Context, Credential, Post) Result {
	return Failed("tiktok has no automated publishing; finish the post with the in-app upload flow", false)
}

type tiktokRevokeForm struct {
	ClientKey    string `url:"client_key"`
	ClientSecret string `url:"client_secret"`
	Token        string `url:"token"`
}

// Revoke invalidates the access token.
func (t *TikTok) Revoke(ctx context.Context, cred Credential) error {
	if _, err := t.api.sendForm(ctx, http.MethodPost, t.revokeURL, tiktokRevokeForm{
		ClientKey:    t.conf.ClientID,
		ClientSecret: t.conf.ClientSecret,
		Token:        cred.AccessToken,
	}, nil); err != nil {
		return fmt.Errorf("tiktok revoke: %w", err)
	}
	return nil
}

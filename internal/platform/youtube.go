package platform

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

const (
	googleAuthURL   = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL  = "https://oauth2.googleapis.com/token"
	googleRevokeURL = "https://oauth2.googleapis.com/revoke"
	youTubeAPI      = "https://www.googleapis.com"
)

// YouTube connects channels through Google OAuth. Uploads need the manual video upload flow,
// so Publish always fails.
type YouTube struct {
	*oauthFlow
	apiBase   string
	revokeURL string
}

// NewYouTube builds the YouTube variant.
func NewYouTube(opts Options) *YouTube {
	return &YouTube{
		oauthFlow: &oauthFlow{
			name: "youtube",
			conf: oauth2.Config{
				ClientID:     opts.Credentials.ClientID,
				ClientSecret: opts.Credentials.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:   firstNonEmpty(opts.AuthURL, googleAuthURL),
					TokenURL:  firstNonEmpty(opts.TokenURL, googleTokenURL),
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			defaultScopes: []string{
				"https://www.googleapis.com/auth/youtube.readonly",
				"https://www.googleapis.com/auth/youtube.upload",
			},
			authParams: map[string]string{"access_type": "offline", "prompt": "consent"},
			api:        apiClient{http: opts.client()},
		},
		apiBase:   firstNonEmpty(opts.APIBaseURL, youTubeAPI),
		revokeURL: firstNonEmpty(opts.RevokeURL, googleRevokeURL),
	}
}

// FetchIdentity reads the caller's own channel.
func (y *YouTube) FetchIdentity(ctx context.Context, tok *oauth2.Token) (Identity, error) {
	var channels struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title      string `json:"title"`
				Thumbnails struct {
					Default struct {
						URL string `json:"url"`
					} `json:"default"`
				} `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := y.api.getJSON(ctx, y.apiBase+"/youtube/v3/channels?part=snippet&mine=true", tok.AccessToken, &channels); err != nil {
		return Identity{}, fmt.Errorf("youtube channel: %w", err)
	}
	if len(channels.Items) == 0 {
		return Identity{}, fmt.Errorf("youtube channel: account has no channel")
	}
	ch := channels.Items[0]
	return Identity{ExternalID: ch.ID, DisplayName: ch.Snippet.Title, AvatarURL: ch.Snippet.Thumbnails.Default.URL}, nil
}

// Publish always fails: there is no automated publish path.
func (y *YouTube) Publish(context.Context, Credential, Post) Result {
	return Failed("youtube uploads require the manual video upload flow", false)
}

type googleRevokeForm struct {
	Token string `url:"token"`
}

// Revoke invalidates the token with Google.
func (y *YouTube) Revoke(ctx context.Context, cred Credential) error {
	if _, err := y.api.sendForm(ctx, http.MethodPost, y.revokeURL, googleRevokeForm{Token: cred.AccessToken}, nil); err != nil {
		return fmt.Errorf("youtube revoke: %w", err)
	}
	return nil
}

package platform

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

const (
	linkedInAuthURL  = "https://www.linkedin.com/oauth/v2/authorization"
	linkedInTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
	linkedInAPI      = "https://api.linkedin.com"
	linkedInPostURL  = "https://www.linkedin.com/feed/update/"
)

// LinkedIn publishes member shares through the UGC posts API. The author URN is resolved from the
// token's userinfo before every post.
type LinkedIn struct {
	*oauthFlow
	apiBase string
}

// NewLinkedIn builds the LinkedIn variant.
func NewLinkedIn(opts Options) *LinkedIn {
	return &LinkedIn{
		oauthFlow: &oauthFlow{
			name: "linkedin",
			conf: oauth2.Config{
				ClientID:     opts.Credentials.ClientID,
				ClientSecret: opts.Credentials.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:   firstNonEmpty(opts.AuthURL, linkedInAuthURL),
					TokenURL:  firstNonEmpty(opts.TokenURL, linkedInTokenURL),
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			defaultScopes: []string{"openid", "profile", "email", "w_member_social"},
			api:           apiClient{http: opts.client()},
		},
		apiBase: firstNonEmpty(opts.APIBaseURL, linkedInAPI),
	}
}

type linkedInUserInfo struct {
	Sub     string `json:"sub"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func (l *LinkedIn) userInfo(ctx context.Context, token string) (linkedInUserInfo, error) {
	var info linkedInUserInfo
	if err := l.api.getJSON(ctx, l.apiBase+"/v2/userinfo", token, &info); err != nil {
		return info, err
	}
	if info.Sub == "" {
		return info, fmt.Errorf("userinfo response has no member id")
	}
	return info, nil
}

// FetchIdentity reads the OpenID userinfo profile.
func (l *LinkedIn) FetchIdentity(ctx context.Context, tok *oauth2.Token) (Identity, error) {
	info, err := l.userInfo(ctx, tok.AccessToken)
	if err != nil {
		return Identity{}, fmt.Errorf("linkedin profile: %w", err)
	}
	return Identity{ExternalID: info.Sub, DisplayName: info.Name, AvatarURL: info.Picture}, nil
}

type ugcText struct {
	Text string `json:"text"`
}

type ugcMedia struct {
	Status      string `json:"status"`
	OriginalURL string `json:"originalUrl"`
}

type ugcShareContent struct {
	ShareCommentary    ugcText    `json:"shareCommentary"`
	ShareMediaCategory string     `json:"shareMediaCategory"`
	Media              []ugcMedia `json:"media,omitempty"`
}

type ugcPost struct {
	Author          string                     `json:"author"`
	LifecycleState  string                     `json:"lifecycleState"`
	SpecificContent map[string]ugcShareContent `json:"specificContent"`
	Visibility      map[string]string          `json:"visibility"`
}

// Publish resolves the author URN, then creates the share.
func (l *LinkedIn) Publish(ctx context.Context, cred Credential, post Post) Result {
	info, err := l.userInfo(ctx, cred.AccessToken)
	if err != nil {
		return failure("linkedin author lookup", err)
	}

	share := ugcShareContent{
		ShareCommentary:    ugcText{Text: post.Body},
		ShareMediaCategory: "NONE",
	}
	if post.Link != "" {
		share.ShareMediaCategory = "ARTICLE"
		share.Media = []ugcMedia{{Status: "READY", OriginalURL: post.Link}}
	}
	body := ugcPost{
		Author:          "urn:li:person:" + info.Sub,
		LifecycleState:  "PUBLISHED",
		SpecificContent: map[string]ugcShareContent{"com.linkedin.ugc.ShareContent": share},
		Visibility:      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}

	var created struct {
		ID string `json:"id"`
	}
	resp, err := l.api.sendJSON(ctx, http.MethodPost, l.apiBase+"/v2/ugcPosts", cred.AccessToken,
		map[string]string{"X-Restli-Protocol-Version": "2.0.0"}, body, &created)
	if err != nil {
		return failure("linkedin post", err)
	}
	id := firstNonEmpty(resp.Header.Get("X-Restli-Id"), created.ID)
	if id == "" {
		return Failed("linkedin post returned no id", false)
	}
	return Succeeded(linkedInPostURL + id)
}

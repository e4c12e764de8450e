package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

const (
	instagramAuthURL  = "https://www.instagram.com/oauth/authorize"
	instagramTokenURL = "https://api.instagram.com/oauth/access_token"
	instagramGraph    = "https://graph.instagram.com"
	instagramHome     = "https://www.instagram.com/"
)

// Instagram publishes single-image posts with the container then media_publish protocol.
type Instagram struct {
	*oauthFlow
	graph string
}

// NewInstagram builds the Instagram variant.
func NewInstagram(opts Options) *Instagram {
	return &Instagram{
		oauthFlow: &oauthFlow{
			name: "instagram",
			conf: oauth2.Config{
				ClientID:     opts.Credentials.ClientID,
				ClientSecret: opts.Credentials.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:   firstNonEmpty(opts.AuthURL, instagramAuthURL),
					TokenURL:  firstNonEmpty(opts.TokenURL, instagramTokenURL),
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			defaultScopes: []string{"instagram_business_basic", "instagram_business_content_publish"},
			scopeSep:      ",",
			api:           apiClient{http: opts.client()},
		},
		graph: firstNonEmpty(opts.APIBaseURL, instagramGraph),
	}
}

// Refresh is unavailable: Instagram extends long-lived tokens in place instead.
func (i *Instagram) Refresh(context.Context, string) (*oauth2.Token, error) {
	return nil, fmt.Errorf("instagram refresh: %w", ErrNotSupported)
}

// FetchIdentity reads /me.
func (i *Instagram) FetchIdentity(ctx context.Context, tok *oauth2.Token) (Identity, error) {
	var me struct {
		ID                string `json:"id"`
		UserID            string `json:"user_id"`
		Username          string `json:"username"`
		ProfilePictureURL string `json:"profile_picture_url"`
	}
	endpoint := withQuery(i.graph+"/me", url.Values{
		"fields":       {"user_id,username,profile_picture_url"},
		"access_token": {tok.AccessToken},
	})
	if err := i.api.getJSON(ctx, endpoint, "", &me); err != nil {
		return Identity{}, fmt.Errorf("instagram profile: %w", err)
	}
	id := firstNonEmpty(me.UserID, me.ID)
	if id == "" {
		return Identity{}, fmt.Errorf("instagram profile: response has no id")
	}
	return Identity{ExternalID: id, DisplayName: me.Username, AvatarURL: me.ProfilePictureURL}, nil
}

type instagramContainerForm struct {
	ImageURL    string `url:"image_url"`
	Caption     string `url:"caption"`
	AccessToken string `url:"access_token"`
}

type instagramPublishForm struct {
	CreationID  string `url:"creation_id"`
	AccessToken string `url:"access_token"`
}

// Publish creates a media container for the first image, publishes it, then looks up the permalink.
func (i *Instagram) Publish(ctx context.Context, cred Credential, post Post) Result {
	if len(post.MediaURLs) == 0 {
		return Failed("instagram posts require at least one image", false)
	}
	caption := post.Body
	if post.Link != "" {
		caption += "\n\n" + post.Link
	}

	var container struct {
		ID string `json:"id"`
	}
	if _, err := i.api.sendForm(ctx, http.MethodPost, i.graph+"/me/media", instagramContainerForm{
		ImageURL: post.MediaURLs[0], Caption: caption, AccessToken: cred.AccessToken,
	}, &container); err != nil {
		return failure("instagram media container", err)
	}
	if container.ID == "" {
		return Failed("instagram media container returned no id", false)
	}

	var published struct {
		ID string `json:"id"`
	}
	if _, err := i.api.sendForm(ctx, http.MethodPost, i.graph+"/me/media_publish", instagramPublishForm{
		CreationID: container.ID, AccessToken: cred.AccessToken,
	}, &published); err != nil {
		return failure("instagram media publish", err)
	}
	if published.ID == "" {
		return Failed("instagram media publish returned no id", false)
	}

	var media struct {
		Permalink string `json:"permalink"`
	}
	endpoint := withQuery(i.graph+"/"+url.PathEscape(published.ID), url.Values{
		"fields":       {"permalink"},
		"access_token": {cred.AccessToken},
	})
	if err := i.api.getJSON(ctx, endpoint, "", &media); err != nil || media.Permalink == "" {
		return Succeeded(instagramHome)
	}
	return Succeeded(media.Permalink)
}

package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

const (
	facebookAuthURL  = "https://www.facebook.com/v19.0/dialog/oauth"
	facebookTokenURL = "https://graph.facebook.com/v19.0/oauth/access_token"
	facebookGraph    = "https://graph.facebook.com/v19.0"
	facebookPostURL  = "https://www.facebook.com/"
)

// Facebook publishes to the first page the user manages. The user token is swapped for a
// long-lived one at connect time; the page token is resolved at publish time.
type Facebook struct {
	*oauthFlow
	graph string
}

// NewFacebook builds the Facebook variant.
func NewFacebook(opts Options) *Facebook {
	return &Facebook{
		oauthFlow: &oauthFlow{
			name: "facebook",
			conf: oauth2.Config{
				ClientID:     opts.Credentials.ClientID,
				ClientSecret: opts.Credentials.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:   firstNonEmpty(opts.AuthURL, facebookAuthURL),
					TokenURL:  firstNonEmpty(opts.TokenURL, facebookTokenURL),
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			defaultScopes: []string{"pages_show_list", "pages_read_engagement", "pages_manage_posts", "public_profile"},
			scopeSep:      ",",
			api:           apiClient{http: opts.client()},
		},
		graph: firstNonEmpty(opts.APIBaseURL, facebookGraph),
	}
}

// Exchange trades the code for a short-lived user token, then upgrades it to a long-lived one.
// A failed upgrade keeps the short-lived token.
func (f *Facebook) Exchange(ctx context.Context, code, redirectURL, verifier string) (*oauth2.Token, error) {
	short, err := f.oauthFlow.Exchange(ctx, code, redirectURL, verifier)
	if err != nil {
		return nil, err
	}
	var long struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	endpoint := withQuery(f.conf.Endpoint.TokenURL, url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {f.conf.ClientID},
		"client_secret":     {f.conf.ClientSecret},
		"fb_exchange_token": {short.AccessToken},
	})
	if err := f.api.getJSON(ctx, endpoint, "", &long); err != nil || long.AccessToken == "" {
		return short, nil
	}
	return &oauth2.Token{
		AccessToken: long.AccessToken,
		TokenType:   firstNonEmpty(long.TokenType, "bearer"),
		Expiry:      expiryFrom(long.ExpiresIn),
	}, nil
}

// Refresh is unavailable: Facebook issues no refresh tokens.
func (f *Facebook) Refresh(context.Context, string) (*oauth2.Token, error) {
	return nil, fmt.Errorf("facebook refresh: %w", ErrNotSupported)
}

// FetchIdentity reads /me with the profile picture.
func (f *Facebook) FetchIdentity(ctx context.Context, tok *oauth2.Token) (Identity, error) {
	var me struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Picture struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	}
	endpoint := withQuery(f.graph+"/me", url.Values{
		"fields":       {"id,name,picture"},
		"access_token": {tok.AccessToken},
	})
	if err := f.api.getJSON(ctx, endpoint, "", &me); err != nil {
		return Identity{}, fmt.Errorf("facebook profile: %w", err)
	}
	if me.ID == "" {
		return Identity{}, fmt.Errorf("facebook profile: response has no id")
	}
	return Identity{ExternalID: me.ID, DisplayName: me.Name, AvatarURL: me.Picture.Data.URL}, nil
}

type facebookPage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

type facebookFeedForm struct {
	Message     string `url:"message"`
	Link        string `url:"link,omitempty"`
	AccessToken string `url:"access_token"`
}

// Publish resolves the managed page and its token, then posts to the page feed.
func (f *Facebook) Publish(ctx context.Context, cred Credential, post Post) Result {
	var pages struct {
		Data []facebookPage `json:"data"`
	}
	endpoint := withQuery(f.graph+"/me/accounts", url.Values{"access_token": {cred.AccessToken}})
	if err := f.api.getJSON(ctx, endpoint, "", &pages); err != nil {
		return failure("facebook page lookup", err)
	}
	if len(pages.Data) == 0 || pages.Data[0].AccessToken == "" {
		return Failed("facebook account manages no page to publish to", false)
	}
	page := pages.Data[0]

	var created struct {
		ID string `json:"id"`
	}
	form := facebookFeedForm{Message: post.Body, Link: post.Link, AccessToken: page.AccessToken}
	if _, err := f.api.sendForm(ctx, http.MethodPost, f.graph+"/"+url.PathEscape(page.ID)+"/feed", form, &created); err != nil {
		return failure("facebook page post", err)
	}
	if created.ID == "" {
		return Failed("facebook page post returned no id", false)
	}
	return Succeeded(facebookPostURL + created.ID)
}

// Revoke removes the app's permissions for the user.
func (f *Facebook) Revoke(ctx context.Context, cred Credential) error {
	endpoint := withQuery(f.graph+"/me/permissions", url.Values{"access_token": {cred.AccessToken}})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("facebook revoke: %w", err)
	}
	if _, err := f.api.do(req, nil); err != nil {
		return fmt.Errorf("facebook revoke: %w", err)
	}
	return nil
}

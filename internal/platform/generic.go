package platform

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// Generic stands in for any platform without a dedicated variant.
type Generic struct {
	name string
}

// NewGeneric builds the fallback variant for name.
func NewGeneric(name string) *Generic {
	return &Generic{name: name}
}

func (g *Generic) Name() string                        { return g.name }
func (g *Generic) Configured() bool                    { return false }
func (g *Generic) UsesPKCE() bool                      { return false }
func (g *Generic) AuthCodeURL(AuthorizeRequest) string { return "" }

func (g *Generic) Exchange(context.Context, string, string, string) (*oauth2.Token, error) {
	return nil, fmt.Errorf("%s token exchange: %w", g.name, ErrNotSupported)
}

func (g *Generic) Refresh(context.Context, string) (*oauth2.Token, error) {
	return nil, fmt.Errorf("%s refresh: %w", g.name, ErrNotSupported)
}

func (g *Generic) FetchIdentity(context.Context, *oauth2.Token) (Identity, error) {
	return Identity{}, fmt.Errorf("%s profile: %w", g.name, ErrNotSupported)
}

// Publish always fails, naming the platform.
func (g *Generic) Publish(context.Context, Credential, Post) Result {
	return Failed(fmt.Sprintf("publishing to platform %q is not supported", g.name), false)
}

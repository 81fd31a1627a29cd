package openpayments

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/halcyonpay/ilpd/internal/clock"
)

// ErrGrantRejected reports an authorization server refusal.
var ErrGrantRejected = errors.New("grant request rejected")

// Access describes the rights a grant covers.
type Access struct {
	Type    string   `json:"type"`
	Actions []string `json:"actions"`
}

// Grant is an issued access token with its management URL.
type Grant struct {
	AccessToken string
	ManageURL   string
	ExpiresAt   *time.Time
}

// Expired reports whether the grant has passed its lifetime at t.
func (g Grant) Expired(t time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(t)
}

type grantRequest struct {
	AccessToken struct {
		Access []Access `json:"access"`
	} `json:"access_token"`
	Client string `json:"client"`
}

type grantResponse struct {
	AccessToken struct {
		Value     string `json:"value"`
		Manage    string `json:"manage"`
		ExpiresIn *int64 `json:"expires_in"`
	} `json:"access_token"`
}

// GrantClient obtains and rotates grants from an authorization server.
type GrantClient struct {
	client *Client
	clock  clock.Clock

	// clientURL identifies this engine to authorization servers.
	clientURL string
}

func NewGrantClient(client *Client, clientURL string, c clock.Clock) *GrantClient {
	return &GrantClient{client: client, clock: c, clientURL: clientURL}
}

// Request performs a non-interactive grant request.
func (g *GrantClient) Request(ctx context.Context, authServer string, access []Access) (*Grant, error) {
	body := grantRequest{Client: g.clientURL}
	body.AccessToken.Access = access

	var resp grantResponse
	status, err := g.client.Do(ctx, http.MethodPost, authServer, "", body, &resp)
	if err != nil {
		if status == http.StatusForbidden || status == http.StatusUnauthorized {
			return nil, ErrGrantRejected
		}
		return nil, err
	}
	return g.grantFrom(resp), nil
}

// Rotate exchanges an expired token for a fresh one via the grant's
// management URL.
func (g *GrantClient) Rotate(ctx context.Context, grant *Grant) (*Grant, error) {
	var resp grantResponse
	if _, err := g.client.Do(ctx, http.MethodPost, grant.ManageURL, grant.AccessToken, nil, &resp); err != nil {
		return nil, err
	}
	return g.grantFrom(resp), nil
}

func (g *GrantClient) grantFrom(resp grantResponse) *Grant {
	grant := &Grant{
		AccessToken: resp.AccessToken.Value,
		ManageURL:   resp.AccessToken.Manage,
	}
	if resp.AccessToken.ExpiresIn != nil {
		at := g.clock.Now().Add(time.Duration(*resp.AccessToken.ExpiresIn) * time.Second)
		grant.ExpiresAt = &at
	}
	return grant
}

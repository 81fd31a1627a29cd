package receiver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/openpayments"
)

// GrantCache caches authorization grants keyed by authorization server
// and access descriptor. Expired grants are rotated in place; a failed
// rotation evicts the grant and surfaces the error, so resolution
// fails deterministically rather than retrying with a fresh grant.
type GrantCache struct {
	mu     sync.Mutex
	grants *lru.Cache[string, *openpayments.Grant]
	client *openpayments.GrantClient
	clock  clock.Clock
}

func NewGrantCache(client *openpayments.GrantClient, c clock.Clock, size int) (*GrantCache, error) {
	cache, err := lru.New[string, *openpayments.Grant](size)
	if err != nil {
		return nil, err
	}
	return &GrantCache{grants: cache, client: client, clock: c}, nil
}

func cacheKey(authServer string, access openpayments.Access) string {
	return authServer + "|" + access.Type + "|" + strings.Join(access.Actions, ",")
}

// Token returns a live access token for the access descriptor,
// requesting or rotating a grant as needed.
func (g *GrantCache) Token(ctx context.Context, authServer string, access openpayments.Access) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := cacheKey(authServer, access)
	grant, ok := g.grants.Get(key)
	if ok && !grant.Expired(g.clock.Now()) {
		return grant.AccessToken, nil
	}

	if ok {
		rotated, err := g.client.Rotate(ctx, grant)
		if err != nil {
			g.grants.Remove(key)
			return "", fmt.Errorf("rotate grant: %w", err)
		}
		g.grants.Add(key, rotated)
		return rotated.AccessToken, nil
	}

	grant, err := g.client.Request(ctx, authServer, []openpayments.Access{access})
	if err != nil {
		return "", err
	}
	g.grants.Add(key, grant)
	return grant.AccessToken, nil
}

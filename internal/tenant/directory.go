package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/workmesh/relay/internal/common/config"
	relayerr "github.com/workmesh/relay/pkg/errors"
)

// Endpoint is where a tenant's agent gateway can be reached and the
// credential used to authenticate the relay to it.
type Endpoint struct {
	URL   string
	Token string
}

// Directory resolves tenants to gateway endpoints. The persistence layer
// behind it is an external collaborator; the static implementation below is
// the config-backed default.
type Directory interface {
	Resolve(ctx context.Context, tenantID string) (Endpoint, error)
}

// StaticDirectory serves endpoints from the tenants section of the config.
type StaticDirectory struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

var _ Directory = (*StaticDirectory)(nil)

// NewStaticDirectory builds a directory from config entries.
func NewStaticDirectory(tenants []config.TenantConfig) *StaticDirectory {
	endpoints := make(map[string]Endpoint, len(tenants))
	for _, t := range tenants {
		endpoints[t.ID] = Endpoint{URL: t.GatewayURL, Token: t.Token}
	}
	return &StaticDirectory{endpoints: endpoints}
}

// Resolve implements Directory.
func (d *StaticDirectory) Resolve(_ context.Context, tenantID string) (Endpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ep, ok := d.endpoints[tenantID]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", relayerr.ErrTenantUnknown, tenantID)
	}
	return ep, nil
}

// Put registers or replaces a tenant endpoint.
func (d *StaticDirectory) Put(tenantID string, ep Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[tenantID] = ep
}

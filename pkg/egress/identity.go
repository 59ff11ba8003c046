package egress

import (
	"fmt"
	"net/url"

	"mediagate/pkg/config"
)

// Identity is one egress route: a proxy endpoint plus the optional control
// endpoint used to renew its circuit.
type Identity struct {
	Name    string
	Proxy   *url.URL
	Control string
}

func (id *Identity) String() string {
	if id == nil {
		return "direct"
	}
	return id.Name
}

// Renewable reports whether the identity has a control endpoint
func (id *Identity) Renewable() bool {
	return id != nil && id.Control != ""
}

// IdentitiesFromConfig parses the configured pool, preserving order
func IdentitiesFromConfig(cfgs []config.IdentityConfig) ([]*Identity, error) {
	out := make([]*Identity, 0, len(cfgs))
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("identity %d: %w", i+1, err)
		}
		u, _ := url.Parse(c.Proxy)
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("egress-%d", i+1)
		}
		out = append(out, &Identity{Name: name, Proxy: u, Control: c.Control})
	}
	return out, nil
}

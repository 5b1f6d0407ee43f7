package sender

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// ErrEmptyPool is returned when a pool is built without identities
var ErrEmptyPool = errors.New("sender pool requires at least one identity")

// Identity is the envelope sender and EHLO hostname presented during a probe
type Identity struct {
	Address  string `toml:"address" yaml:"address" json:"address"`
	Hostname string `toml:"hostname" yaml:"hostname" json:"hostname"`
}

// Pool hands out identities round-robin. It is safe for concurrent use.
type Pool struct {
	identities []Identity
	cursor     atomic.Uint64
}

// NewPool creates a pool over a copy of identities
func NewPool(identities []Identity) (*Pool, error) {
	if len(identities) == 0 {
		return nil, ErrEmptyPool
	}
	for i, id := range identities {
		if !strings.Contains(id.Address, "@") {
			return nil, fmt.Errorf("sender %d: invalid envelope address %q", i, id.Address)
		}
		if strings.TrimSpace(id.Hostname) == "" {
			return nil, fmt.Errorf("sender %d: empty hostname", i)
		}
	}

	ids := make([]Identity, len(identities))
	copy(ids, identities)
	return &Pool{identities: ids}, nil
}

// Next returns the identity at the cursor and advances it
func (p *Pool) Next() Identity {
	n := p.cursor.Add(1) - 1
	return p.identities[n%uint64(len(p.identities))]
}

// Len returns the number of identities in the pool
func (p *Pool) Len() int {
	return len(p.identities)
}

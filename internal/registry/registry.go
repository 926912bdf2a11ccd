// Package registry holds the authoritative set of connected peers, keyed by
// the identity the handler assigned them.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"CommHandler/internal/core/network"
)

var (
	ErrRegistryFull      = errors.New("registry full")
	ErrUnknownIdentity   = errors.New("unknown identity")
	ErrUnknownAddress    = errors.New("unknown address")
	ErrDuplicateAddress  = errors.New("address already registered")
	ErrDuplicateIdentity = errors.New("identity already registered")
)

// Endpoint is a registered peer. It is never mutated after registration.
type Endpoint struct {
	Identity int32
	Address  string
	Conn     network.Conn
}

type Registry struct {
	mu     sync.RWMutex
	next   int32
	max    int
	byID   map[int32]Endpoint
	byAddr map[string]int32
	order  []int32
}

// New returns a registry whose assigned identities start at base. max <= 0
// leaves it unbounded.
func New(base int32, max int) *Registry {
	return &Registry{
		next:   base,
		max:    max,
		byID:   make(map[int32]Endpoint),
		byAddr: make(map[string]int32),
	}
}

// Register assigns the next identity to address.
func (r *Registry) Register(address string, conn network.Conn) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.byID) >= r.max {
		return 0, fmt.Errorf("%w: %d endpoints", ErrRegistryFull, r.max)
	}
	if _, ok := r.byAddr[address]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateAddress, address)
	}
	for {
		if _, taken := r.byID[r.next]; !taken {
			break
		}
		r.next++
	}
	id := r.next
	r.next++
	r.insertLocked(Endpoint{Identity: id, Address: address, Conn: conn})
	return id, nil
}

// RegisterAs records address under an identity chosen by the remote side.
func (r *Registry) RegisterAs(identity int32, address string, conn network.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.byID) >= r.max {
		return fmt.Errorf("%w: %d endpoints", ErrRegistryFull, r.max)
	}
	if _, ok := r.byID[identity]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateIdentity, identity)
	}
	if _, ok := r.byAddr[address]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, address)
	}
	r.insertLocked(Endpoint{Identity: identity, Address: address, Conn: conn})
	return nil
}

func (r *Registry) insertLocked(ep Endpoint) {
	r.byID[ep.Identity] = ep
	r.byAddr[ep.Address] = ep.Identity
	r.order = append(r.order, ep.Identity)
}

// Discard drops an endpoint whose registration never completed, e.g. the
// peer went away before it learned its identity. The identity is not
// reused.
func (r *Registry) Discard(identity int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.byID[identity]
	if !ok {
		return
	}
	delete(r.byID, identity)
	delete(r.byAddr, ep.Address)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Resolve(identity int32) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byID[identity]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %d", ErrUnknownIdentity, identity)
	}
	return ep, nil
}

// Lookup maps a transport address back to its identity.
func (r *Registry) Lookup(address string) (int32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[address]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}
	return id, nil
}

// Identities returns the registered identities in arrival order.
func (r *Registry) Identities() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int32(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Close closes every endpoint conn and empties the registry. Identities
// handed out before Close are never reissued.
func (r *Registry) Close() error {
	r.mu.Lock()
	eps := make([]Endpoint, 0, len(r.order))
	for _, id := range r.order {
		eps = append(eps, r.byID[id])
	}
	r.byID = make(map[int32]Endpoint)
	r.byAddr = make(map[string]int32)
	r.order = nil
	r.mu.Unlock()

	var err error
	for _, ep := range eps {
		if ep.Conn != nil {
			err = multierr.Append(err, ep.Conn.Close())
		}
	}
	return err
}

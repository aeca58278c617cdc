package server

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/samber/lo"
)

// Identity is a normalized user address with an optional display name.
type Identity struct {
	Address     string
	DisplayName string
}

// NewIdentity normalizes address and defaults the display name.
func NewIdentity(address, displayName string) Identity {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = protocol.DefaultUserName
	}
	return Identity{Address: protocol.NormalizeAddress(address), DisplayName: name}
}

type presenceEntry struct {
	identity  Identity
	transport Transport
	lastSeen  time.Time
	online    bool
}

// Registry maps identities to their current live transport.
//
// A newer Register for the same identity wins; the older transport is left
// open but orphaned, and its eventual Unregister does not disturb the newer
// mapping. Entries of disconnected identities are kept offline with their
// last-seen time until pruned so presence snapshots can report them.
type Registry struct {
	mu          sync.RWMutex
	byAddress   map[string]*presenceEntry
	byTransport map[Transport]string
	now         func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddress:   make(map[string]*presenceEntry),
		byTransport: make(map[Transport]string),
		now:         time.Now,
	}
}

// Register makes t the current transport of id. It returns the transport it
// superseded, if any. Empty addresses and nil transports are ignored.
func (r *Registry) Register(id Identity, t Transport) Transport {
	id.Address = protocol.NormalizeAddress(id.Address)
	if id.Address == "" || t == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// A transport speaks for one identity only.
	if previous, ok := r.byTransport[t]; ok && previous != id.Address {
		if entry := r.byAddress[previous]; entry != nil && entry.transport == t {
			entry.transport = nil
			entry.online = false
			entry.lastSeen = now
		}
	}

	var superseded Transport
	entry, ok := r.byAddress[id.Address]
	if !ok {
		entry = &presenceEntry{}
		r.byAddress[id.Address] = entry
	}
	if entry.transport != nil && entry.transport != t {
		superseded = entry.transport
		delete(r.byTransport, superseded)
	}

	entry.identity = id
	entry.transport = t
	entry.online = true
	entry.lastSeen = now
	r.byTransport[t] = id.Address

	return superseded
}

// Unregister detaches t from the identity it currently serves. It reports the
// identity only when t was that identity's current transport.
func (r *Registry) Unregister(t Transport) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	address, ok := r.byTransport[t]
	if !ok {
		return Identity{}, false
	}
	delete(r.byTransport, t)

	entry := r.byAddress[address]
	if entry == nil || entry.transport != t {
		return Identity{}, false
	}
	entry.transport = nil
	entry.online = false
	entry.lastSeen = r.now()
	return entry.identity, true
}

// Lookup returns the live transport for address.
func (r *Registry) Lookup(address string) (Transport, bool) {
	address = protocol.NormalizeAddress(address)

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byAddress[address]
	if !ok || !entry.online || entry.transport == nil {
		return nil, false
	}
	return entry.transport, true
}

// IdentityOf returns the identity t currently speaks for.
func (r *Registry) IdentityOf(t Transport) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	address, ok := r.byTransport[t]
	if !ok {
		return Identity{}, false
	}
	return r.byAddress[address].identity, true
}

// Touch refreshes the last-seen time of the identity served by t.
func (r *Registry) Touch(t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	address, ok := r.byTransport[t]
	if !ok {
		return false
	}
	entry := r.byAddress[address]
	if entry == nil || entry.transport != t {
		return false
	}
	entry.lastSeen = r.now()
	entry.online = true
	return true
}

// Snapshot returns the presence of every known identity ordered by address.
func (r *Registry) Snapshot() []protocol.UserStatus {
	r.mu.RLock()
	statuses := lo.MapToSlice(r.byAddress, func(address string, entry *presenceEntry) protocol.UserStatus {
		return protocol.UserStatus{
			Address:  address,
			UserName: entry.identity.DisplayName,
			IsOnline: entry.online,
			LastSeen: entry.lastSeen,
		}
	})
	r.mu.RUnlock()

	slices.SortFunc(statuses, func(a, b protocol.UserStatus) int {
		return strings.Compare(a.Address, b.Address)
	})
	return statuses
}

// OnlineCount returns how many identities currently hold a live transport.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTransport)
}

// Prune forgets offline identities last seen more than retention ago.
func (r *Registry) Prune(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-retention)
	pruned := 0
	for address, entry := range r.byAddress {
		if !entry.online && entry.lastSeen.Before(cutoff) {
			delete(r.byAddress, address)
			pruned++
		}
	}
	return pruned
}

// Package callid resolves the call references clients send over the push channel.
//
// A client may start a call with its own reference before the server assigned
// one. The resolver keeps an alias from that reference to the canonical call id
// until the call reaches a terminal status.
package callid

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Ref is a call reference as received from a client
type Ref struct {
	raw       string
	canonical uuid.UUID
	ok        bool
}

// ParseRef wraps a client supplied reference. The reference is canonical iff it parses as a UUID.
func ParseRef(raw string) Ref {
	raw = strings.TrimSpace(raw)
	if id, err := uuid.Parse(raw); err == nil {
		return Ref{raw: raw, canonical: id, ok: true}
	}
	return Ref{raw: raw}
}

// FromID wraps a canonical call id
func FromID(id uuid.UUID) Ref {
	return Ref{raw: id.String(), canonical: id, ok: true}
}

// IsCanonical reports whether the reference is a server call id
func (r Ref) IsCanonical() bool { return r.ok }

// ID returns the canonical id and whether the reference had one
func (r Ref) ID() (uuid.UUID, bool) { return r.canonical, r.ok }

// IsZero reports an empty reference
func (r Ref) IsZero() bool { return r.raw == "" }

func (r Ref) String() string { return r.raw }

// Resolver maps ephemeral client references to canonical call ids. An
// ephemeral reference belongs to the user who sent it: the same string from
// two users names two different calls.
type Resolver struct {
	mu      sync.RWMutex
	aliases map[aliasKey]uuid.UUID
	reverse map[uuid.UUID][]aliasKey
}

type aliasKey struct {
	owner uuid.UUID
	raw   string
}

// NewResolver creates an empty resolver
func NewResolver() *Resolver {
	return &Resolver{
		aliases: make(map[aliasKey]uuid.UUID),
		reverse: make(map[uuid.UUID][]aliasKey),
	}
}

// Reserve claims an ephemeral ref for owner ahead of creating its call.
// It returns the call already bound to the ref, or uuid.Nil with claimed=false
// while another initiation holds the claim. Canonical or empty refs are never claimed.
func (r *Resolver) Reserve(owner uuid.UUID, ephemeral Ref) (existing uuid.UUID, claimed bool) {
	if ephemeral.IsZero() || ephemeral.IsCanonical() {
		return uuid.Nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := aliasKey{owner: owner, raw: ephemeral.raw}
	if id, ok := r.aliases[key]; ok {
		return id, false
	}
	r.aliases[key] = uuid.Nil
	return uuid.Nil, true
}

// Release drops a claim that was never bound to a call
func (r *Resolver) Release(owner uuid.UUID, ephemeral Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := aliasKey{owner: owner, raw: ephemeral.raw}
	if id, ok := r.aliases[key]; ok && id == uuid.Nil {
		delete(r.aliases, key)
	}
}

// Register publishes (owner, ephemeral) -> canonical, replacing any earlier
// binding. Canonical or empty refs are ignored.
func (r *Resolver) Register(owner uuid.UUID, ephemeral Ref, canonical uuid.UUID) {
	if ephemeral.IsZero() || ephemeral.IsCanonical() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := aliasKey{owner: owner, raw: ephemeral.raw}
	if prev, ok := r.aliases[key]; ok {
		if prev == canonical {
			return
		}
		r.dropAliasLocked(prev, key)
	}
	r.aliases[key] = canonical
	r.reverse[canonical] = append(r.reverse[canonical], key)
}

// lookup returns the canonical id owner registered for an ephemeral ref
func (r *Resolver) lookup(owner uuid.UUID, ephemeral Ref) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.aliases[aliasKey{owner: owner, raw: ephemeral.raw}]
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// Resolve never fails: canonical refs are returned unchanged, ephemeral refs
// registered by owner map to their call, anything else comes back as is.
func (r *Resolver) Resolve(owner uuid.UUID, ref Ref) Ref {
	if ref.IsCanonical() {
		return ref
	}
	if id, ok := r.lookup(owner, ref); ok {
		return FromID(id)
	}
	return ref
}

// Forget drops every alias pointing at canonical
func (r *Resolver) Forget(canonical uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.reverse[canonical] {
		if r.aliases[key] == canonical {
			delete(r.aliases, key)
		}
	}
	delete(r.reverse, canonical)
}

// dropAliasLocked removes key from canonical's reverse list; mu must be held
func (r *Resolver) dropAliasLocked(canonical uuid.UUID, key aliasKey) {
	if canonical == uuid.Nil {
		return
	}
	list := r.reverse[canonical]
	for i, k := range list {
		if k == key {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.reverse, canonical)
		return
	}
	r.reverse[canonical] = list
}

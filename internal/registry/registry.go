// Package registry resolves token addresses to fee policy and curated
// metadata. It is read-mostly: admin mutations (seeding/updating a token)
// are rare and guarded by a mutex, matching the "read-mostly, admin
// mutations need no synchronization beyond the backing container" policy.
package registry

import (
	"strings"
	"sync"

	"x402facilitator/internal/money"
)

// Token is the curated metadata and fee policy for one supported asset.
type Token struct {
	Address     string // lowercased on insert, case-insensitive lookups
	Symbol      string
	Name        string // EIP-712 domain name, e.g. "USD Coin"
	Version     string // EIP-712 domain version, e.g. "2"
	Decimals    int
	Network     string // CAIP-2, e.g. "eip155:8453"
	FeeBps      money.BasisPoints
	FeeExempt   bool
	DiscountBps money.BasisPoints
}

// UnknownFeeBps is the sentinel FeeBps returns for an address with no
// registry entry; callers MUST treat it as a hard reject.
const UnknownFeeBps money.BasisPoints = -1

// Registry is the in-process token whitelist and fee resolver.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Token // key = network + "|" + lowercased address
}

// New returns an empty registry. Callers seed it with Put (typically at
// boot, from a curated config/YAML list; see cmd/facilitatorctl).
func New() *Registry {
	return &Registry{byKey: make(map[string]Token)}
}

func key(network, address string) string {
	return strings.ToLower(network) + "|" + strings.ToLower(address)
}

// Put inserts or replaces a token record.
func (r *Registry) Put(t Token) {
	t.Address = strings.ToLower(t.Address)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key(t.Network, t.Address)] = t
}

// ByAddress looks up a token by (network, address), case-insensitively.
func (r *Registry) ByAddress(network, address string) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byKey[key(network, address)]
	return t, ok
}

// BySymbol looks up a token by (network, symbol); symbol matching is
// case-sensitive since on-chain symbols are conventionally uppercase and
// distinct tokens on the same network never share one.
func (r *Registry) BySymbol(network, symbol string) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.byKey {
		if strings.EqualFold(t.Network, network) && t.Symbol == symbol {
			return t, true
		}
	}
	return Token{}, false
}

// All returns every registered token, for the /supported listing and
// facilitatorctl's tokens.yaml writes.
func (r *Registry) All() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, 0, len(r.byKey))
	for _, t := range r.byKey {
		out = append(out, t)
	}
	return out
}

// FeeBps returns the effective fee for a token: 0 if fee-exempt, the
// configured rate otherwise, or UnknownFeeBps if the token is not
// whitelisted on this network. An unknown token always fails closed —
// there is no "allow any" fallback.
func (r *Registry) FeeBps(network, address string) money.BasisPoints {
	t, ok := r.ByAddress(network, address)
	if !ok {
		return UnknownFeeBps
	}
	if t.FeeExempt {
		return 0
	}
	return t.FeeBps
}

// NetAndFee resolves the token's policy and applies the bps-floor formula,
// identical in semantics to the on-chain splitter contract (see
// money.NetAndFee). Returns ok=false for an unwhitelisted token.
func (r *Registry) NetAndFee(network, address string, amount money.Amount) (net, fee money.Amount, ok bool) {
	t, found := r.ByAddress(network, address)
	if !found {
		return money.Zero(), money.Zero(), false
	}
	if t.FeeExempt {
		return amount, money.Zero(), true
	}
	net, fee = money.NetAndFee(amount, t.FeeBps, t.DiscountBps)
	return net, fee, true
}

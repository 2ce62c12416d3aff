// Package replay is the single-use nonce store: it is the only thing
// standing between a captured authorization and a second spend. Its
// failure mode is asymmetric by design: an unavailable store must answer
// "used" to every query (fail closed) while still refusing to silently
// mark a nonce used if the write itself cannot be confirmed.
package replay

import (
	"context"
	"errors"
	"fmt"

	"x402facilitator/internal/store"
)

// NonceStore is the interface the verifier and settlement orchestrator
// depend on, satisfied by both Store (PostgreSQL) and Memory (dev-only).
type NonceStore interface {
	IsUsed(ctx context.Context, payer, nonce string) (bool, error)
	MarkUsed(ctx context.Context, payer, nonce, tokenAddress, txID string) error
}

// ErrStoreUnavailable is wrapped into the error returned by IsUsed when the
// backing store cannot be reached. Callers that only check the bool MUST
// still treat a true return as "used" regardless of the underlying cause.
var ErrStoreUnavailable = errors.New("replay: durable store unavailable")

// Store answers single-use nonce queries against PostgreSQL.
type Store struct {
	db *store.Store
}

// New wraps a durable store connection.
func New(db *store.Store) *Store {
	return &Store{db: db}
}

// IsUsed reports whether (payer, nonce) has already been spent. On any
// store error it returns true: an unreadable replay store must never be
// mistaken for a clean nonce. The returned error, when non-nil, is always
// wrapped ErrStoreUnavailable and is informational only — the bool is
// authoritative.
func (s *Store) IsUsed(ctx context.Context, payer, nonce string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM nonces WHERE payer = $1 AND nonce = $2)`,
		payer, nonce,
	).Scan(&exists)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return exists, nil
}

// MarkUsed records a nonce as spent, idempotently: a concurrent caller
// racing on the same (payer, nonce) loses the race silently (ON CONFLICT
// DO NOTHING) rather than erroring, since the row existing at all is what
// matters, not who inserted it. A write error here is never survivable —
// the caller must treat it as "replay protection compromised" and abort
// the settlement rather than proceed with an unconfirmed nonce.
func (s *Store) MarkUsed(ctx context.Context, payer, nonce, tokenAddress, txID string) error {
	err := s.db.Exec(ctx,
		`INSERT INTO nonces (payer, nonce, token_address, tx_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (payer, nonce) DO NOTHING`,
		payer, nonce, tokenAddress, nullableString(txID),
	)
	if err != nil {
		return fmt.Errorf("replay: mark nonce used: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Memory is an in-memory nonce store. It MUST NOT be used in production;
// only tests construct it, and cmd/facilitator always wires the
// PostgreSQL-backed Store, exiting at startup if the database is unreachable.
type Memory struct {
	used map[string]struct{}
}

// NewMemory returns an empty in-memory replay store for non-production use
// (local development, unit tests).
func NewMemory() *Memory {
	return &Memory{used: make(map[string]struct{})}
}

func (m *Memory) IsUsed(_ context.Context, payer, nonce string) (bool, error) {
	_, ok := m.used[payer+"|"+nonce]
	return ok, nil
}

func (m *Memory) MarkUsed(_ context.Context, payer, nonce, _ string, _ string) error {
	m.used[payer+"|"+nonce] = struct{}{}
	return nil
}

var (
	_ NonceStore = (*Store)(nil)
	_ NonceStore = (*Memory)(nil)
)

// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"peep/internal/model"
)

// Store persists the two shared records: the ordered rule list and the meta
// singleton. Writers always write the whole rule list; list order is match
// priority. This whole-record contract is what the session layer's
// read-fresh-before-write discipline is built on.
type Store interface {
	// LoadRules returns all rules in priority order.
	LoadRules(ctx context.Context) ([]model.Rule, error)

	// SaveRules replaces the entire rule list.
	SaveRules(ctx context.Context, rules []model.Rule) error

	// LoadMeta returns the meta singleton, or a zero Meta if none has been
	// written yet.
	LoadMeta(ctx context.Context) (model.Meta, error)

	// SaveAll replaces the rule list and the meta record in one atomic
	// write. The daily reset depends on this so rules and meta can never be
	// observed half-updated.
	SaveAll(ctx context.Context, rules []model.Rule, meta model.Meta) error

	Close() error
}

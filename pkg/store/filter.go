package store

import (
	"strings"
	"time"
)

// Filter is a conjunction of independently optional predicates. A zero Filter
// matches every record. Limit is not a predicate: it is applied by the store
// after all predicates, keeping only the most recently arrived matches.
type Filter struct {
	// Kinds keeps only records whose kind is in the set.
	Kinds []Kind
	// Since keeps only records whose timestamp is at or after this instant.
	Since time.Time
	// IssuerContains is a case-insensitive substring match on the issuer.
	IssuerContains string
	// ExcludeIssuers drops records whose issuer equals any of these exactly.
	ExcludeIssuers []string
	// TextSearch is a case-insensitive substring match against message, file,
	// or request; any one field containing it is a match.
	TextSearch string
	// Limit, when > 0, caps the result to the most recent matches.
	Limit int
}

// Match reports whether the record satisfies every set predicate.
func (f Filter) Match(r *Record) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if r.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if !f.Since.IsZero() && r.Time().Before(f.Since) {
		return false
	}

	for _, issuer := range f.ExcludeIssuers {
		if r.Issuer == issuer {
			return false
		}
	}

	if f.IssuerContains != "" {
		if !strings.Contains(strings.ToLower(r.Issuer), strings.ToLower(f.IssuerContains)) {
			return false
		}
	}

	if f.TextSearch != "" {
		needle := strings.ToLower(f.TextSearch)
		if !strings.Contains(strings.ToLower(r.Message), needle) &&
			!strings.Contains(strings.ToLower(r.File), needle) &&
			!strings.Contains(strings.ToLower(r.Request), needle) {
			return false
		}
	}

	return true
}

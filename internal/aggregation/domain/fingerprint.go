package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// Canonicalize returns q in the form the cache keys on. Two queries that select
// the same data canonicalize identically.
//
// Group keys are trimmed, lower-cased, de-duplicated and sorted. Filter keys are
// lower-cased; values are trimmed, de-duplicated and sorted, and filters left
// without values are dropped. Dates are truncated to the UTC day, the currency
// is upper-cased and the path prefix loses its trailing slash.
func Canonicalize(q Query) (Query, error) {
	out := Query{
		TenantID:   strings.TrimSpace(q.TenantID),
		Currency:   strings.ToUpper(strings.TrimSpace(q.Currency)),
		PathPrefix: strings.TrimRight(strings.TrimSpace(q.PathPrefix), "/"),
		From:       day(q.From),
		To:         day(q.To),
		Bypass:     q.Bypass,
	}
	if out.TenantID == "" {
		return Query{}, ErrInvalidTenant
	}
	if q.From.IsZero() || q.To.IsZero() || out.To.Before(out.From) {
		return Query{}, ErrInvalidRange
	}
	if out.Currency == "" {
		out.Currency = DefaultCurrency
	}

	out.GroupBy = normalizeSet(q.GroupBy, strings.ToLower)
	if len(q.Filters) > 0 {
		out.Filters = make(map[string][]string, len(q.Filters))
		for key, values := range q.Filters {
			key = strings.ToLower(strings.TrimSpace(key))
			if key == "" {
				continue
			}
			merged := normalizeSet(append(out.Filters[key], values...), nil)
			if len(merged) > 0 {
				out.Filters[key] = merged
			}
		}
		if len(out.Filters) == 0 {
			out.Filters = nil
		}
	}
	return out, nil
}

// Fingerprint hashes the canonical form of q. q must already be canonical.
func Fingerprint(q Query) string {
	var b strings.Builder
	b.WriteString("tenant=")
	b.WriteString(q.TenantID)
	b.WriteString("\ngroup=")
	b.WriteString(strings.Join(q.GroupBy, ","))
	b.WriteString("\nfilters=")
	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(q.Filters[k], ","))
	}
	b.WriteString("\nrange=")
	b.WriteString(q.From.Format(time.DateOnly))
	b.WriteString("..")
	b.WriteString(q.To.Format(time.DateOnly))
	b.WriteString("\ncurrency=")
	b.WriteString(q.Currency)
	b.WriteString("\npath=")
	b.WriteString(q.PathPrefix)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalizeSet(values []string, fold func(string) string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if fold != nil {
			v = fold(v)
		}
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

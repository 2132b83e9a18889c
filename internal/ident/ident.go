// Package ident maps arbitrary header and sheet names to storage-safe
// SQL identifiers. Normalization is deterministic and idempotent:
// normalizing an already-normalized name returns it unchanged.
package ident

import (
	"strings"
)

// maxLen is the Postgres identifier length limit in bytes.
const maxLen = 63

// digitPrefix guarantees storage-engine legality for headers that begin
// with a digit, e.g. "30 DPD Count" -> "n_30_dpd_count".
const digitPrefix = "n_"

// reservedWords are SQL keywords that cannot be used bare as column or
// table names. Normalization suffixes them with "_col".
var reservedWords = map[string]bool{
	"all": true, "and": true, "any": true, "array": true, "as": true,
	"asc": true, "between": true, "case": true, "cast": true, "check": true,
	"column": true, "constraint": true, "create": true, "current_date": true,
	"current_time": true, "default": true, "desc": true, "distinct": true,
	"do": true, "else": true, "end": true, "false": true, "for": true,
	"foreign": true, "from": true, "grant": true, "group": true, "having": true,
	"in": true, "index": true, "inner": true, "insert": true, "into": true,
	"is": true, "join": true, "left": true, "like": true, "limit": true,
	"not": true, "null": true, "offset": true, "on": true, "or": true,
	"order": true, "outer": true, "primary": true, "references": true,
	"right": true, "select": true, "set": true, "table": true, "then": true,
	"to": true, "true": true, "union": true, "unique": true, "update": true,
	"user": true, "using": true, "values": true, "when": true, "where": true,
	"with": true,
}

// Normalize converts a raw header string into a storage-safe column
// name: lowercase, non-alphanumeric runs collapsed to single
// underscores, leading digits prefixed, reserved words suffixed, and
// the result truncated to the storage engine's identifier limit.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	name := strings.TrimRight(b.String(), "_")
	if name == "" {
		return "unnamed"
	}

	if name[0] >= '0' && name[0] <= '9' {
		name = digitPrefix + name
	}

	if reservedWords[name] {
		name += "_col"
	}

	if len(name) > maxLen {
		name = strings.TrimRight(name[:maxLen], "_")
	}

	return name
}

// NormalizeTable builds a destination table name from an optional
// template prefix and a sheet name.
func NormalizeTable(prefix, sheet string) string {
	name := Normalize(sheet)
	if prefix == "" {
		return name
	}
	p := strings.TrimRight(Normalize(prefix), "_")
	joined := p + "_" + name
	if len(joined) > maxLen {
		joined = strings.TrimRight(joined[:maxLen], "_")
	}
	return joined
}

// Valid reports whether name already satisfies the conservative
// identifier grammar: letters, digits, and underscores, not starting
// with a digit, within the length limit.
func Valid(name string) bool {
	if name == "" || len(name) > maxLen {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

package migrate

import "encoding/json"

// RenameRule maps a deprecated field name to its replacement. A document is
// legacy-shaped when From is present and To is not.
type RenameRule struct {
	From string
	To   string
}

// DefaultRule fills a field introduced by the current schema with a
// documented default when the stored document lacks it.
type DefaultRule struct {
	Field string
	Value any
}

// Schema is the data-driven description of the current stored-value shape.
// Documents are JSON objects; the version tag is either explicit
// (VersionField) or inferred from the presence of deprecated field names.
type Schema struct {
	// VersionField is the name of the explicit schema-version tag,
	// e.g. "_schemaVersion".
	VersionField string

	// CurrentVersion is the version written by this process.
	CurrentVersion int

	// Renames are applied in order when transforming a legacy document.
	Renames []RenameRule

	// Defaults fill fields that legacy documents lack.
	Defaults []DefaultRule
}

// NeedsMigration reports whether the document is legacy-shaped: its version
// tag is behind CurrentVersion, or it has no tag but carries a deprecated
// field without its replacement.
func (s Schema) NeedsMigration(doc map[string]any) bool {
	if v, ok := doc[s.VersionField]; ok {
		return asInt(v) < s.CurrentVersion
	}
	for _, r := range s.Renames {
		_, hasOld := doc[r.From]
		_, hasNew := doc[r.To]
		if hasOld && !hasNew {
			return true
		}
	}
	return false
}

// NeedsMigrationRaw reports whether the raw stored bytes decode to a
// legacy-shaped document. Bytes that are not a JSON object are never
// migratable.
func (s Schema) NeedsMigrationRaw(raw []byte) bool {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	return s.NeedsMigration(doc)
}

// Transform returns a copy of the document migrated to the current schema:
// deprecated fields renamed, missing fields default-filled, version stamped.
// Applying Transform to an already-current document yields the same result,
// so the operation is idempotent.
func (s Schema) Transform(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+len(s.Defaults)+1)
	for k, v := range doc {
		out[k] = v
	}

	for _, r := range s.Renames {
		if v, ok := out[r.From]; ok {
			if _, taken := out[r.To]; !taken {
				out[r.To] = v
			}
			delete(out, r.From)
		}
	}

	for _, d := range s.Defaults {
		if _, ok := out[d.Field]; !ok {
			out[d.Field] = d.Value
		}
	}

	out[s.VersionField] = s.CurrentVersion
	return out
}

// asInt normalizes the version tag, which arrives as float64 from JSON
// decoding but may be an int when constructed in-process.
func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}

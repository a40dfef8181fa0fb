package model

import (
	"sort"
	"strings"
)

// LabelMap is a normalized set of label key-value pairs scoping a rule's metric.
type LabelMap map[string]string

// NormalizeLabels returns a new LabelMap with keys lowercased and trimmed, aliases applied,
// and empty values removed. The input is not mutated.
// aliasMap maps alternative keys to canonical keys, e.g. "service_version" -> "version".
func NormalizeLabels(in LabelMap, aliasMap map[string]string) LabelMap {
	if len(in) == 0 {
		return LabelMap{}
	}
	result := make(LabelMap, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		if canonical, ok := aliasMap[key]; ok && strings.TrimSpace(canonical) != "" {
			key = strings.ToLower(strings.TrimSpace(canonical))
		}
		val := strings.TrimSpace(rawVal)
		if val == "" {
			continue
		}
		result[key] = val
	}
	return result
}

// CanonicalLabelKey returns a stable string form of labels, keys sorted and joined as k=v|k=v.
func CanonicalLabelKey(labels LabelMap) string {
	if len(labels) == 0 {
		return "{}"
	}
	keys := sortedKeys(labels)
	var b strings.Builder
	b.Grow(len(keys) * 8)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// Contains reports whether every pair in sub is present in l.
func (l LabelMap) Contains(sub LabelMap) bool {
	for k, v := range sub {
		if l[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a copy; nil stays an empty map.
func (l LabelMap) Clone() LabelMap {
	out := make(LabelMap, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

func sortedKeys(m LabelMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

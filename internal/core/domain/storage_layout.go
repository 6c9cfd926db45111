package domain

import (
	"path"
	"strings"
)

const (
	DefaultStoragePrefix = "documents"
	DefaultShardWidth    = 2
	shardPadding         = "_"
)

// StorageLayout derives object paths. Paths depend only on immutable document
// fields, so a retried write always lands on the same object.
type StorageLayout struct {
	Prefix          string
	ShardingEnabled bool
	ShardWidth      int
}

// PathFor returns <prefix>/<document type>/[<shard>/]<document id>.
func (l StorageLayout) PathFor(doc *Document) string {
	prefix := strings.Trim(strings.TrimSpace(l.Prefix), "/")
	if prefix == "" {
		prefix = DefaultStoragePrefix
	}
	parts := []string{prefix, sanitizeSegment(string(doc.DocumentType))}
	if l.ShardingEnabled {
		parts = append(parts, l.ShardKey(doc.EnrollmentID))
	}
	parts = append(parts, sanitizeSegment(doc.ID))
	return path.Join(parts...)
}

// ShardKey is the fixed-width prefix of the owning entity id. Identifiers
// shorter than the width are right-padded so every key has the same width.
// Dots become padding so a truncated key never reads as "." or "..".
func (l StorageLayout) ShardKey(enrollmentID string) string {
	width := l.ShardWidth
	if width <= 0 {
		width = DefaultShardWidth
	}
	key := strings.ToLower(sanitizeSegment(strings.TrimSpace(enrollmentID)))
	key = strings.ReplaceAll(key, ".", shardPadding)
	runes := []rune(key)
	if len(runes) >= width {
		return string(runes[:width])
	}
	return key + strings.Repeat(shardPadding, width-len(runes))
}

// sanitizeSegment keeps one path segment within [A-Za-z0-9._-] and never
// lets it resolve to "." or "..".
func sanitizeSegment(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if out != "" && strings.Trim(out, ".") == "" {
		return strings.Repeat("_", len(out))
	}
	return out
}

package probe

import "strings"

// sanitizeSQL strips a trailing semicolon and a UTF-8 byte-order mark from
// raw SQL text read off an upstream slow-log surface, per the probe
// contract: emitted text must never carry either.
func sanitizeSQL(s string) string {
	s = strings.TrimPrefix(s, "\xef\xbb\xbf")
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

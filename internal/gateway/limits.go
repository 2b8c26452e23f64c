package gateway

import "strings"

// DefaultBatchLimit is the number of documents per retrieval request for
// gateways without a specific entry in the limit table.
const DefaultBatchLimit = 10

// LimitTable resolves a gateway's per-request document limit. Exact IDs
// win over prefixes; the longest matching prefix wins among prefixes.
type LimitTable struct {
	exact    map[string]int
	prefixes []prefixLimit
	fallback int
}

type prefixLimit struct {
	prefix string
	limit  int
}

// LimitOption configures a LimitTable.
type LimitOption func(*LimitTable)

// WithGatewayLimit sets the limit for one exact gateway ID.
func WithGatewayLimit(gatewayID string, limit int) LimitOption {
	return func(t *LimitTable) {
		t.exact[normalizeOID(gatewayID)] = limit
	}
}

// WithPrefixLimit sets the limit for every gateway whose ID starts with
// the given OID prefix.
func WithPrefixLimit(prefix string, limit int) LimitOption {
	return func(t *LimitTable) {
		t.prefixes = append(t.prefixes, prefixLimit{prefix: normalizeOID(prefix), limit: limit})
	}
}

// WithDefaultLimit overrides the system-wide default.
func WithDefaultLimit(limit int) LimitOption {
	return func(t *LimitTable) {
		t.fallback = limit
	}
}

func NewLimitTable(opts ...LimitOption) *LimitTable {
	t := &LimitTable{
		exact:    make(map[string]int),
		fallback: DefaultBatchLimit,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// LimitFor returns the per-request document limit for a gateway. The
// result is always at least 1.
func (t *LimitTable) LimitFor(gatewayID string) int {
	id := normalizeOID(gatewayID)
	if limit, ok := t.exact[id]; ok {
		return clampLimit(limit)
	}
	best := -1
	limit := t.fallback
	for _, p := range t.prefixes {
		if strings.HasPrefix(id, p.prefix) && len(p.prefix) > best {
			best = len(p.prefix)
			limit = p.limit
		}
	}
	return clampLimit(limit)
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	return limit
}

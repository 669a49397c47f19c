package dispatcher

import "strings"

// Rewrite maps a cluster-internal authority to one reachable from workers.
type Rewrite struct {
	Internal string
	External string
}

// AddressTranslator rewrites callback URLs so workers can reach the controller.
type AddressTranslator struct {
	rewrites []Rewrite
}

// NewAddressTranslator returns a translator trying rewrites in order.
// Entries with an empty Internal are skipped.
func NewAddressTranslator(rewrites ...Rewrite) *AddressTranslator {
	kept := make([]Rewrite, 0, len(rewrites))
	for _, rw := range rewrites {
		if rw.Internal != "" {
			kept = append(kept, rw)
		}
	}
	return &AddressTranslator{rewrites: kept}
}

// Translate replaces every occurrence of the first matching Internal string.
// URLs matching no rewrite are returned unchanged.
func (t *AddressTranslator) Translate(url string) string {
	if t == nil || url == "" {
		return url
	}
	for _, rw := range t.rewrites {
		if strings.Contains(url, rw.Internal) {
			return strings.ReplaceAll(url, rw.Internal, rw.External)
		}
	}
	return url
}

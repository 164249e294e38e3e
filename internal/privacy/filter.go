package privacy

import "github.com/ignite/capi-relay/internal/domain"

// Allowlists maps a privacy mode to the hashed field keys a tenant permits in
// outbound payloads. The lists are configuration data (global defaults plus
// optional per-tenant override) — nothing here hard-codes a field set.
type Allowlists map[domain.PrivacyMode][]string

// AllowlistsFromConfig converts the string-keyed configuration form into
// typed Allowlists.
func AllowlistsFromConfig(byMode map[string][]string) Allowlists {
	lists := make(Allowlists, len(byMode))
	for mode, fields := range byMode {
		lists[domain.PrivacyMode(mode)] = fields
	}
	return lists
}

// FilterUserData returns the subset of hashed fields permitted for the given
// mode. Fields absent from the allow-list never pass through, and unknown
// modes fall back to the conservative list.
func FilterUserData(hashed map[string]string, mode domain.PrivacyMode, lists Allowlists) map[string]string {
	allowed, ok := lists[mode]
	if !ok {
		allowed = lists[domain.PrivacyConservative]
	}

	out := make(map[string]string, len(allowed))
	for _, key := range allowed {
		if v, exists := hashed[key]; exists && v != "" {
			out[key] = v
		}
	}
	return out
}

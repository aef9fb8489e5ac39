package sensors

import "sort"

// Resolution is the outcome of resolving a user-supplied device token.
type Resolution struct {
	// ID is the canonical sensor id.
	ID string
	// Name is the alias, empty when the token did not involve one.
	Name string
}

// Resolve maps token to a sensor id. A token that is an aliased id resolves
// to itself with its alias; otherwise a token equal to an alias resolves to
// that alias's id, the lowest id winning when several share the name;
// otherwise the token is read as a raw address. The result may name a sensor
// that is not on the bus.
func Resolve(token string, aliases map[string]string) Resolution {
	if name, ok := aliases[token]; ok {
		return Resolution{ID: ParseAddress(token).String(), Name: name}
	}
	ids := make([]string, 0, len(aliases))
	for id := range aliases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if aliases[id] == token {
			return Resolution{ID: ParseAddress(id).String(), Name: token}
		}
	}
	return Resolution{ID: ParseAddress(token).String()}
}

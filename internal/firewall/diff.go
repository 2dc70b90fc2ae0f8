package firewall

// DiffSet computes (toAdd, toRemove) turning current into desired.
// Every driver's SetAliasContents is built on this one helper so the
// idempotency property (running it twice with the same desired set
// issues zero remote mutations the second time) has exactly one
// implementation to get right.
func DiffSet(current, desired []string) (toAdd, toRemove []string) {
	currentSet := make(map[string]struct{}, len(current))
	for _, v := range current {
		currentSet[v] = struct{}{}
	}
	desiredSet := make(map[string]struct{}, len(desired))
	for _, v := range desired {
		desiredSet[v] = struct{}{}
	}

	for v := range desiredSet {
		if _, ok := currentSet[v]; !ok {
			toAdd = append(toAdd, v)
		}
	}
	for v := range currentSet {
		if _, ok := desiredSet[v]; !ok {
			toRemove = append(toRemove, v)
		}
	}
	return toAdd, toRemove
}

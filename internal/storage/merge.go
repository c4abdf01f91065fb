package storage

// MergeSession resolves current and incoming by last-writer-wins on
// UpdatedAtMs. It returns the surviving state and whether incoming won.
// Equal timestamps keep current, so re-applying the same state is a no-op.
func MergeSession(current *SessionState, incoming SessionState) (SessionState, bool) {
	if current == nil {
		return incoming, true
	}
	if incoming.UpdatedAtMs <= current.UpdatedAtMs {
		return *current, false
	}
	return incoming, true
}

// MergeSettings orders settings by Version, falling back to UpdatedAtMs
// for unversioned values.
func MergeSettings(current Settings, incoming Settings) (Settings, bool) {
	if incoming.Version != current.Version {
		if incoming.Version > current.Version {
			return incoming, true
		}
		return current, false
	}
	if incoming.Version > 0 {
		return current, false
	}
	if incoming.UpdatedAtMs <= current.UpdatedAtMs && current.UpdatedAtMs != 0 {
		return current, false
	}
	return incoming, true
}

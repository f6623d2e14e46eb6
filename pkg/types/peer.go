package types

// PeerData is the single piece of presence information the DHT tracks for a
// node. A DHT holds at most one PeerData per PeerName; a later Timestamp
// always supersedes an earlier one (see PeerData.Supersedes).
type PeerData struct {
	PeerName     PeerName
	PeerLocation URI
	Timestamp    int64 // unix millis
}

// Supersedes reports whether candidate should replace the currently held
// PeerData for the same peer name.
func (p PeerData) Supersedes(candidate PeerData) bool {
	return candidate.Timestamp > p.Timestamp
}

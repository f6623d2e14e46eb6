package types

// AspectData is one unit of entry content. Body is opaque to the engine; the
// content-addressable store that actually holds it is out of scope (see
// contract.EntryStore).
type AspectData struct {
	Address       AspectAddress
	TypeHint      string
	Body          []byte
	PublishedAtMs int64
}

// EntryData is an application-level record comprised of ordered aspects.
type EntryData struct {
	Address EntryAddress
	Aspects []AspectData
}

// AspectAddresses returns the set of aspect addresses this entry carries.
func (e EntryData) AspectAddresses() map[AspectAddress]struct{} {
	set := make(map[AspectAddress]struct{}, len(e.Aspects))
	for _, a := range e.Aspects {
		set[a.Address] = struct{}{}
	}
	return set
}

// IsHeld reports whether every aspect address the DHT has learned of
// (known) is present among the held aspects (have) — the holding invariant
// from spec §3.
func IsHeld(known map[AspectAddress]struct{}, have map[AspectAddress]struct{}) bool {
	for addr := range known {
		if _, ok := have[addr]; !ok {
			return false
		}
	}
	return true
}

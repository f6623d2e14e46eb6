package actor

// Detach implements the "detach" pattern from spec §4.A/§9: an owner that
// holds a child *Endpoint as a struct field temporarily lifts it out of the
// field, dispatches through the lifted value, and puts it back before
// returning — so fn may freely call back into the owner's own methods
// without the owner already being "borrowed" by the field access.
//
// The rust source needed this to satisfy its borrow checker (the owner
// couldn't hold &mut self while also holding a live reference to
// self.child). Go has no such constraint, so Detach is a thin, deliberately
// boring wrapper: its only job is to keep call sites shaped the same way the
// source model's are, which is the form the spec document everything else
// is described against. Any owner struct with a *Endpoint field can use it.
func Detach(field **Endpoint, fn func(child *Endpoint)) {
	child := *field
	*field = nil
	defer func() { *field = child }()
	fn(child)
}

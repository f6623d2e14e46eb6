package types

import "errors"

// Sentinel errors shared across layers, in the teacher's style of package-level
// errors.New vars (see go-mcast's ErrUnsupportedProtocol/ErrCommandUnknown).
var (
	ErrAlreadyBound       = errors.New("transport already bound")
	ErrNotBound           = errors.New("transport not bound")
	ErrUnknownDestination = errors.New("no route to destination")
	ErrChainAlreadyJoined = errors.New("space already joined for this agent")
	ErrChainNotJoined     = errors.New("space not joined for this agent")
	ErrMessagingSelf      = errors.New("messaging self")
	ErrRetriesExhausted   = errors.New("exceeded maximum send retry attempts")
	ErrRequestTimedOut    = errors.New("request timed out")
	ErrUndecodableFrame   = errors.New("payload did not decode as a known frame")
)

package actor

import (
	"github.com/google/uuid"

	"github.com/nimbusmesh/p2p-engine/pkg/types"
)

// NewRequestID generates a fresh, globally-unique RequestId. prefix is purely
// cosmetic (log legibility); uniqueness comes from uuid.NewString.
func NewRequestID(prefix string) types.RequestId {
	id := uuid.NewString()
	if prefix == "" {
		return types.RequestId(id)
	}
	return types.RequestId(prefix + "-" + id)
}

package attacker

import (
	"github.com/corewire/mitmcore/proxy/internal/types"
)

// NewDefaultClientFactory creates a new DefaultClientFactory.
// This is a convenience wrapper around types.NewDefaultClientFactory.
func NewDefaultClientFactory() types.ClientFactory {
	return types.NewDefaultClientFactory()
}


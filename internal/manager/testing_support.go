package manager

import "github.com/localci/localci/pkg/types"

// PublishForTesting publishes n directly on m's broadcast stream, bypassing
// SetRevisions. Exported only so internal/rpcapi's tests can exercise the
// gRPC relay without depending on a real supervisor run; internal/manager's
// own tests drive notifications the production way, through SetRevisions.
func PublishForTesting(m *Manager, n types.Notification) {
	m.bcast.publish(n)
}

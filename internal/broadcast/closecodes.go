package broadcast

import (
	"github.com/gorilla/websocket"
	"github.com/pscheid92/sectorpulse/internal/domain"
)

// WebSocket close codes sent to clients.
const (
	CloseConnectionError   = 4000
	CloseMissingCredential = 4001
	CloseProfileNotFound   = 4002
	CloseAdminRequired     = 4003
	CloseInvalidCredential = 4004
	CloseSuperseded        = 4005
	CloseSlowConsumer      = 4006
	CloseGoingAway         = websocket.CloseGoingAway
	CloseNormal            = websocket.CloseNormalClosure
)

// CloseCodeFor maps an authentication failure to its close code.
func CloseCodeFor(reason domain.AuthFailure) int {
	switch reason {
	case domain.AuthMissingCredential:
		return CloseMissingCredential
	case domain.AuthInvalidCredential:
		return CloseInvalidCredential
	case domain.AuthProfileNotFound:
		return CloseProfileNotFound
	case domain.AuthAdminRequired:
		return CloseAdminRequired
	default:
		return CloseConnectionError
	}
}

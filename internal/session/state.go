// ABOUTME: Session lifecycle states and their persisted status vocabulary
// ABOUTME: INIT is initial; DISCONNECTED and FAILED are terminal for a session instance

package session

// State is the lifecycle state of one tenant's connection.
type State string

const (
	StateInit            State = "INIT"
	StateAwaitingPairing State = "AWAITING_PAIRING"
	StateAuthenticated   State = "AUTHENTICATED"
	StateReady           State = "READY"
	StateDisconnected    State = "DISCONNECTED"
	StateFailed          State = "FAILED"
)

// Persisted status values of the session document.
const (
	StatusQRCode       = "qrCode"
	StatusConnected    = "conectado"
	StatusDisconnected = "desconectado"
	StatusLoading      = "carregando"
)

// Session document field names.
const (
	FieldStatus          = "status"
	FieldPairingArtifact = "pairingArtifact"
	FieldLastUpdated     = "lastUpdated"
)

// Status maps the state onto the persisted status vocabulary.
func (s State) Status() string {
	switch s {
	case StateAwaitingPairing:
		return StatusQRCode
	case StateReady:
		return StatusConnected
	case StateDisconnected, StateFailed:
		return StatusDisconnected
	default:
		return StatusLoading
	}
}

// Terminal reports whether the session instance is finished.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// accepts reports whether evt may move a session out of s.
func (s State) accepts(next State) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StateAwaitingPairing:
		// A refreshed code while waiting replaces the previous one.
		return s == StateInit || s == StateAwaitingPairing
	case StateAuthenticated:
		return s == StateInit || s == StateAwaitingPairing
	case StateReady:
		// Restored devices skip pairing and report ready directly.
		return s != StateReady
	case StateDisconnected, StateFailed:
		return true
	}
	return false
}

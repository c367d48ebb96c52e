package domain

import "time"

// Connection states for a supervised messaging instance. These form a closed
// enum; raw status strings coming from the external runtime are normalized
// at the ingestion boundary and never stored as-is.
const (
	StateIdle          = "idle"
	StateConnecting    = "connecting"
	StateQRPending     = "qr_pending"
	StateAuthenticated = "authenticated"
	StateConnected     = "connected"
	StateDisconnected  = "disconnected"
	StateAuthFailed    = "auth_failed"
	StateDestroyed     = "destroyed"
)

// Instance is the persisted record of one end-to-end session against the
// external messaging runtime.
type Instance struct {
	ID                    string     `json:"id" gorm:"primaryKey;size:64"`
	RuntimeID             string     `json:"runtime_id" gorm:"index;size:128"` // id assigned by the external runtime
	Name                  string     `json:"name" gorm:"index"`
	ConnectionState       string     `json:"connection_state" gorm:"index;size:32"`
	PairingPayload        *string    `json:"pairing_payload"`
	Phone                 *string    `json:"phone"`
	ProfileName           *string    `json:"profile_name"`
	AvatarRef             *string    `json:"avatar_ref"`
	ConnectedAt           *time.Time `json:"connected_at"`
	DisconnectedAt        *time.Time `json:"disconnected_at"`
	IntentionalDisconnect bool       `json:"intentional_disconnect"`
	ReconnectAttempts     int        `json:"reconnect_attempts"`
	Version               int64      `json:"version"` // optimistic lock counter
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (Instance) TableName() string {
	return "whatsapp_instances"
}

// IsConnected reports whether the instance currently holds a live session.
func (i *Instance) IsConnected() bool {
	return i.ConnectionState == StateConnected
}

// IsTerminal reports whether the instance can never reconnect on its own.
func (i *Instance) IsTerminal() bool {
	return i.ConnectionState == StateAuthFailed || i.ConnectionState == StateDestroyed
}

// transitions is the allowed state-machine table, source -> targets.
// Anything not listed here is an anomaly: logged and dropped, never applied.
// Sessions resumed from saved credentials can jump straight to connected
// without re-emitting the pairing and auth steps, hence the extra targets on
// connecting and qr_pending.
var transitions = map[string][]string{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateQRPending, StateAuthenticated, StateConnected, StateDisconnected, StateAuthFailed},
	StateQRPending:     {StateAuthenticated, StateConnected, StateDisconnected, StateAuthFailed},
	StateAuthenticated: {StateConnected, StateDisconnected},
	StateConnected:     {StateDisconnected},
	StateDisconnected:  {StateConnecting},
}

// CanTransition reports whether moving from one connection state to another
// is allowed. Destroyed is reachable from any state (explicit delete only);
// a repeated write of the current state is treated as an idempotent no-op
// and allowed so duplicated events do not trip the anomaly path.
func CanTransition(from, to string) bool {
	if to == StateDestroyed {
		return true
	}
	if from == to {
		return true
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

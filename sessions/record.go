package sessions

import "time"

// Reasons reported by validation results and attached to destroyed sessions.
const (
	ReasonIPChanged             = "ip_changed"
	ReasonIPChangeNotAllowed    = "ip_change_not_allowed"
	ReasonIPChangeLimitExceeded = "ip_change_limit_exceeded"
	ReasonIdleTimeout           = "idle_timeout"
	ReasonAbsoluteTimeout       = "absolute_timeout"
	ReasonSessionNotFound       = "session_not_found"
	ReasonSessionExpired        = "session_expired"
	ReasonConcurrentLimit       = "concurrent_limit"
	ReasonLogout                = "logout"
)

// Record is the persisted representation of a session. Timestamps are UTC.
//
// SessionID, PrincipalID and CreatedAt are immutable; regeneration writes a
// copy under a new id.
type Record struct {
	SessionID     string            `json:"session_id"`
	PrincipalID   string            `json:"principal_id"`
	IPAddress     string            `json:"ip_address"`
	UserAgent     string            `json:"user_agent,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
	LastEndpoint  string            `json:"last_endpoint,omitempty"`
	IPChangeCount int               `json:"ip_change_count"`
	IPHistory     []IPChange        `json:"ip_history,omitempty"`
	ActivityCount int64             `json:"activity_count"`
	// Active is true on every stored record. Ending a session deletes it
	// instead of clearing the flag; the field is kept for readers of the
	// shared layout.
	Active        bool              `json:"active"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IPChange is one entry of a session's IP ledger.
type IPChange struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// IPTracking is the per-session IP ledger. ChangeCount never exceeds the
// configured maximum; a session that would exceed it is destroyed instead.
type IPTracking struct {
	OriginalIP  string     `json:"original_ip"`
	CurrentIP   string     `json:"current_ip"`
	Changes     []IPChange `json:"changes,omitempty"`
	ChangeCount int        `json:"change_count"`
}

// IPValidation is the outcome of ValidateSessionIP.
//
// RequiresAction is set whenever the caller has something to do: terminate
// the request for invalid results, or regenerate the session id after an
// accepted IP change (Reason == ReasonIPChanged).
type IPValidation struct {
	Valid          bool   `json:"valid"`
	RequiresAction bool   `json:"requires_action"`
	Reason         string `json:"reason,omitempty"`
}

// ActivityResult is the outcome of UpdateSessionActivity. Session is the
// refreshed record when Valid.
type ActivityResult struct {
	Valid   bool    `json:"valid"`
	Reason  string  `json:"reason,omitempty"`
	Session *Record `json:"-"`
}

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Scanned int
	Expired int
	Pruned  int
}

func appendBounded(history []IPChange, c IPChange, max int) []IPChange {
	history = append(history, c)
	if max > 0 && len(history) > max {
		history = append([]IPChange(nil), history[len(history)-max:]...)
	}
	return history
}

// Package audit records security-relevant events asynchronously.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	EventLoginSuccess  EventType = "login.success"
	EventLoginFailure  EventType = "login.failure"
	EventLoginLocked   EventType = "login.locked"
	EventMFAChallenge  EventType = "mfa.challenge"
	EventMFASuccess    EventType = "mfa.success"
	EventMFAFailure    EventType = "mfa.failure"
	EventRecoveryUsed  EventType = "mfa.recovery_code_used"
	EventTokenRefresh  EventType = "token.refresh"
	EventTokenReplay   EventType = "token.replay"
	EventTokenRevoked  EventType = "token.revoked"
	EventAccessDenied  EventType = "authz.denied"
	EventPasswordReset EventType = "password.changed"
	EventKeyRotated    EventType = "key.rotated"

	EventUserCreated      EventType = "admin.user.created"
	EventUserUpdated      EventType = "admin.user.updated"
	EventUserDeleted      EventType = "admin.user.deleted"
	EventRoleCreated      EventType = "admin.role.created"
	EventRoleUpdated      EventType = "admin.role.updated"
	EventRoleDeleted      EventType = "admin.role.deleted"
	EventRolesAssigned    EventType = "admin.user.roles_assigned"
	EventPermissionChange EventType = "admin.role.permissions_changed"

	EventStartup  EventType = "system.startup"
	EventShutdown EventType = "system.shutdown"
)

// Event is one audit record. ActorID is who performed the action, SubjectID
// who or what it was performed on; for self-service flows they coincide.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	EventID   string                 `json:"event_id"`
	RequestID string                 `json:"request_id,omitempty"`
	ActorID   string                 `json:"actor_id,omitempty"`
	SubjectID string                 `json:"subject_id,omitempty"`
	SourceIP  string                 `json:"source_ip,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

func generateEventID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "evt-" + hex.EncodeToString(b)
}

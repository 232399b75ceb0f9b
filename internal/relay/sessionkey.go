package relay

import (
	"errors"
	"fmt"
	"strings"
)

// Session keys tie a gateway conversation to exactly one tenant. The format
// is strictly delimited so tenant ownership is checked by field equality,
// never by substring containment:
//
//	agent:<agentID>:<tenantID>:<employeeID>
const sessionKeyPrefix = "agent"

var ErrInvalidSessionKey = errors.New("invalid session key")

// SessionKey is the parsed form of a session key string.
type SessionKey struct {
	AgentID    string
	TenantID   string
	EmployeeID string
}

// FormatSessionKey builds the canonical session key string. Fields must not
// contain the delimiter.
func FormatSessionKey(agentID, tenantID, employeeID string) (string, error) {
	for _, f := range []string{agentID, tenantID, employeeID} {
		if f == "" || strings.Contains(f, ":") {
			return "", fmt.Errorf("%w: bad field %q", ErrInvalidSessionKey, f)
		}
	}
	return strings.Join([]string{sessionKeyPrefix, agentID, tenantID, employeeID}, ":"), nil
}

// ParseSessionKey splits a session key string into its fields.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != sessionKeyPrefix {
		return SessionKey{}, fmt.Errorf("%w: %q", ErrInvalidSessionKey, s)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return SessionKey{}, fmt.Errorf("%w: empty field in %q", ErrInvalidSessionKey, s)
		}
	}
	return SessionKey{AgentID: parts[1], TenantID: parts[2], EmployeeID: parts[3]}, nil
}

// String returns the canonical string form.
func (k SessionKey) String() string {
	return strings.Join([]string{sessionKeyPrefix, k.AgentID, k.TenantID, k.EmployeeID}, ":")
}

// BelongsTo reports whether the key's tenant field equals tenantID.
func (k SessionKey) BelongsTo(tenantID string) bool {
	return tenantID != "" && k.TenantID == tenantID
}

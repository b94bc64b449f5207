package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role represents an authorization level in the circulation portal.
type Role string

const (
	RoleStudent   Role = "student"
	RoleLibrarian Role = "librarian"
	RoleFaculty   Role = "faculty"
	RoleAdmin     Role = "admin"
	RoleOther     Role = "other"
)

// BaselineRole is the lowest-privilege role. It is assumed whenever an
// identity carries neither a role nor a classification.
const BaselineRole = RoleStudent

// Roles lists every known role.
var Roles = []Role{RoleStudent, RoleLibrarian, RoleFaculty, RoleAdmin, RoleOther}

// ParseRole normalizes a raw role string. Empty input yields "" (not set);
// unrecognized input yields RoleOther.
func ParseRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	for _, r := range Roles {
		if string(r) == s {
			return r
		}
	}
	return RoleOther
}

// Identity is the normalized record describing the authenticated user.
// Records are never mutated after construction; a changed identity is a new
// *Identity.
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Role     Role   `json:"role,omitempty"`     // authoritative authorization role
	UserType Role   `json:"userType,omitempty"` // legacy classification, informational
	Verified bool   `json:"isVerified"`
	Approved bool   `json:"isApproved"`
	// Attributes holds every other profile field from the upstream record.
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
}

// knownFields are consumed by ParseIdentity and excluded from Attributes.
var knownFields = map[string]struct{}{
	"id": {}, "_id": {}, "email": {}, "name": {}, "fullName": {},
	"role": {}, "userType": {}, "isVerified": {}, "isApproved": {},
}

var errMissingID = errors.New("user record has no id")

// IsNullRecord reports whether raw is an empty or JSON null user record.
func IsNullRecord(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// ParseIdentity normalizes a raw upstream user record. Both the current
// field names and their legacy aliases (_id, fullName) are accepted.
func ParseIdentity(raw []byte) (*Identity, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode user record: %w", err)
	}
	if fields == nil {
		return nil, errors.New("user record is not an object")
	}

	id := &Identity{}
	var err error
	if id.ID, err = firstString(fields, "id", "_id"); err != nil {
		return nil, err
	}
	if id.ID == "" {
		return nil, errMissingID
	}
	if id.Email, err = firstString(fields, "email"); err != nil {
		return nil, err
	}
	if id.Name, err = firstString(fields, "name", "fullName"); err != nil {
		return nil, err
	}
	role, err := firstString(fields, "role")
	if err != nil {
		return nil, err
	}
	id.Role = ParseRole(role)
	userType, err := firstString(fields, "userType")
	if err != nil {
		return nil, err
	}
	id.UserType = ParseRole(userType)
	if id.Verified, err = boolField(fields, "isVerified"); err != nil {
		return nil, err
	}
	if id.Approved, err = boolField(fields, "isApproved"); err != nil {
		return nil, err
	}

	for k, v := range fields {
		if _, ok := knownFields[k]; ok {
			continue
		}
		if id.Attributes == nil {
			id.Attributes = make(map[string]json.RawMessage)
		}
		id.Attributes[k] = append(json.RawMessage(nil), v...)
	}
	return id, nil
}

// firstString returns the first present, non-null key as a string. Numeric
// ids are accepted and rendered in their JSON form.
func firstString(fields map[string]json.RawMessage, keys ...string) (string, error) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || IsNullRecord(v) {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s, nil
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			return n.String(), nil
		}
		return "", fmt.Errorf("field %q: expected string", k)
	}
	return "", nil
}

func boolField(fields map[string]json.RawMessage, key string) (bool, error) {
	v, ok := fields[key]
	if !ok || IsNullRecord(v) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return false, fmt.Errorf("field %q: expected bool", key)
	}
	return b, nil
}

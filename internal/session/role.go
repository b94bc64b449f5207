package session

// ResolveRole returns the effective authorization role for an identity.
// Resolution order: explicit role > legacy classification > BaselineRole.
// Returns false only for a nil identity.
func ResolveRole(id *Identity) (Role, bool) {
	if id == nil {
		return "", false
	}
	if id.Role != "" {
		return id.Role, true
	}
	if id.UserType != "" {
		return id.UserType, true
	}
	return BaselineRole, true
}

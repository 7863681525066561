package auth

const (
	ScopeOpenID = "openid"
	ScopeRead   = "backupflow:read"
	ScopeWrite  = "backupflow:write"
)

// AllScopes is granted to the development principal when verification is
// bypassed.
var AllScopes = []string{
	ScopeOpenID,
	ScopeRead,
	ScopeWrite,
}

// Package session carries the authenticated caller's identity and profile
// hints as an explicit value. It replaces any notion of a process-global
// current user: everything that needs to know who is acting receives a
// Session at the call site.
package session

import "strings"

// Session identifies the acting user for one request or stream. Profile
// fields are hints supplied by the auth collaborator; the authoritative
// profile document takes precedence where both exist.
type Session struct {
	UserID       string
	DisplayName  string
	Email        string
	Phone        string
	ProfileImage string
}

// Valid reports whether the session names a user.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.UserID) != ""
}

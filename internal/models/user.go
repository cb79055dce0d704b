package models

// WebUser is a web-users.json entry
type WebUser struct {
	HashedPassword string   `json:"hashed_password"`
	Groups         []string `json:"groups"`
	TOTPSecret     string   `json:"totp_secret,omitempty"`
}

// HasGroup reports whether the user belongs to group
func (u *WebUser) HasGroup(group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

package realm

// User is the authenticated principal produced by a successful
// authentication: the principal identifier, its resolved roles, optional
// full name and email, the user metadata built from the JWT claims, and an
// enabled flag. Users built by this realm are always enabled.
//
// User values are treated as immutable once constructed.
type User struct {
	Principal string
	Roles     []string
	FullName  string
	Email     string
	Metadata  map[string]any
	Enabled   bool
}

// NewUser constructs an enabled User.
func NewUser(principal string, roles []string, fullName, email string, metadata map[string]any) *User {
	if roles == nil {
		roles = []string{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &User{
		Principal: principal,
		Roles:     roles,
		FullName:  fullName,
		Email:     email,
		Metadata:  metadata,
		Enabled:   true,
	}
}

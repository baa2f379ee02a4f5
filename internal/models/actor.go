package models

// Actor is the authenticated caller of a request. It is resolved from the
// bearer token by the auth middleware and passed explicitly into services.
type Actor struct {
	UserID    string
	CompanyID string
	Role      Role
}

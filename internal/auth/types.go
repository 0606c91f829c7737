package auth

import "time"

// Principal is an account able to authenticate: an admin, a job seeker or a company.
type Principal struct {
	ID            string
	Email         string
	Phone         string
	PasswordHash  string
	Role          Role
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Filter selects a single principal. Exactly one field is expected to be set;
// when several are set ID wins over Email, and Email over Phone.
type Filter struct {
	ID    string
	Email string
	Phone string
}

// IsZero reports whether no selector is set.
func (f Filter) IsZero() bool {
	return f.ID == "" && f.Email == "" && f.Phone == ""
}

// CreatePrincipal holds the fields persisted on registration.
type CreatePrincipal struct {
	Email        string
	Phone        string
	PasswordHash string
	Role         Role
}

// PrincipalUpdate is a partial update; nil fields are left untouched.
type PrincipalUpdate struct {
	Email         *string
	Phone         *string
	PasswordHash  *string
	EmailVerified *bool
}

// Profile is the role-specific record created alongside a principal.
// DisplayName maps to the seeker's full name, the company's legal name or
// the admin's display name.
type Profile struct {
	DisplayName string
	Website     string
	Location    string
}

// RegisterInput is the payload of Service.Register.
type RegisterInput struct {
	Role     Role
	Email    string
	Phone    string
	Password string
	Profile  Profile
}

// DeviceInfo describes the client that performed a security-relevant action.
type DeviceInfo struct {
	IP        string
	UserAgent string
}

// ResetPasswordInput is the payload of Service.ResetPassword.
type ResetPasswordInput struct {
	ResetToken  string
	NewPassword string
	Device      DeviceInfo
}

// ChangePasswordInput is the payload of Service.ChangePassword.
type ChangePasswordInput struct {
	PrincipalID     string
	CurrentPassword string
	NewPassword     string
	RefreshToken    string
	Device          DeviceInfo
}

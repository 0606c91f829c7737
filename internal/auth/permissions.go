package auth

// Permissions grantable to API clients.
const (
	PermAdminRegister = "auth.admin.register"
	PermSessionRead   = "auth.session.read"
)

// BuiltinPermissions lists every permission the service checks.
var BuiltinPermissions = []string{PermAdminRegister, PermSessionRead}

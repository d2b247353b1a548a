package auth

type Role string

const (
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
)

// Operator is the identity carried by an administrative request. Its ID is
// recorded as the actor of timeline and audit entries.
type Operator struct {
	ID   string
	Role Role
}

package model

import "github.com/google/uuid"

type UserRole string

const (
	UserRoleAdmin    UserRole = "ADMIN"
	UserRoleOperator UserRole = "OPERATOR"
	UserRoleViewer   UserRole = "VIEWER"
)

type Principal struct {
	UserID uuid.UUID
	Role   UserRole
	Name   string
}

func (p Principal) IsAdmin() bool {
	return p.Role == UserRoleAdmin
}

func (p Principal) CanWrite() bool {
	return p.Role == UserRoleAdmin || p.Role == UserRoleOperator
}

// Actor is the label written into audit entries.
func (p Principal) Actor() string {
	if p.Name != "" {
		return p.Name
	}
	return p.UserID.String()
}

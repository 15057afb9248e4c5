package entitlement

import "errors"

var (
	ErrNotFound       = errors.New("entitlement: not found")
	ErrConflict       = errors.New("entitlement: already exists")
	ErrInvalidInput   = errors.New("entitlement: invalid input")
	ErrNotProvisioned = errors.New("entitlement: user could not be provisioned")
)

package model

import "errors"

// Storage-level outcomes shared by every punishment store implementation.
var (
	ErrNotFound        = errors.New("punishment not found")
	ErrAlreadyPunished = errors.New("victim already has an active punishment of this type")
	ErrNotActive       = errors.New("punishment is not active")
)

package hook

import "errors"

var (
	ErrNotAuthorized     = errors.New("not authorized")
	ErrHookNotFound      = errors.New("hook not found")
	ErrHookAlreadyExists = errors.New("hook already exists")
	ErrEmptyHookID       = errors.New("hook id cannot be empty")
)

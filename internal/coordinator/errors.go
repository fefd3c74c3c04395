package coordinator

import "errors"

var (
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrAlreadyInSession    = errors.New("already in a session")
	ErrHostCannotLeave     = errors.New("host cannot leave a session")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionFull         = errors.New("session is full")
	ErrCannotJoin          = errors.New("session cannot be joined")
	ErrAuthorizationDenied = errors.New("sensor authorization denied")
	ErrConnectionFailed    = errors.New("connection failed")
	// ErrSyncFailed reports buffered samples the store rejected outright.
	ErrSyncFailed          = errors.New("sync failed")
	ErrNotInSession        = errors.New("not in a session")
)

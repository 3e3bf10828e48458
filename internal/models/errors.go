package models

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrTerminal          = errors.New("job is terminal")
	ErrCounterOverflow   = errors.New("counter update rejected")
	ErrInvalidJob        = errors.New("invalid job")
	ErrDuplicateEntry    = errors.New("duplicate unresolved error entry")
	ErrLeaseLost         = errors.New("lease lost")
	ErrCursorMoved       = errors.New("item cursor moved")
)

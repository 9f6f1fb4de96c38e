package model

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation error")
	ErrConditionFailed = errors.New("condition failed")
	ErrLockHeld        = errors.New("lock held by another owner")
	ErrNotOwner        = errors.New("lock not held by this owner")
	ErrRunTerminal     = errors.New("run already terminal")
)

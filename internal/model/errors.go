package model

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownActionKind       = errors.New("unknown action kind")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInvalidReservationState = errors.New("invalid reservation state")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrUserNotFound            = errors.New("user not found")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrAccountExists           = errors.New("account already exists")
)

// InsufficientBalanceError carries the numbers the client needs to offer a
// top-up. It matches ErrInsufficientBalance with errors.Is.
type InsufficientBalanceError struct {
	Current  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Current, e.Required)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

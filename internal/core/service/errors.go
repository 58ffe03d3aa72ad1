package service

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("cart line is being created concurrently")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrInternal          = errors.New("internal error")
	ErrIllegalTransition = fmt.Errorf("%w: illegal transaction phase transition", ErrInternal)
)

func storeErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, what, err)
}

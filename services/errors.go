package services

import "errors"

var (
	ErrRecordNotFound    = errors.New("stake record not found")
	ErrRecordExists      = errors.New("stake record already initialized")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	ErrBalanceOverflow   = errors.New("wallet balance overflow")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
)

package domain

import "errors"

var (
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrEmptyBatch         = errors.New("no symbols given")
	ErrBatchTooLarge      = errors.New("too many symbols in one request")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrRegistryClosed     = errors.New("registry closed")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrSourceDegraded     = errors.New("price source degraded")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrPriceNotCached     = errors.New("no cached price for symbol")
	ErrTooManyConnections = errors.New("too many connections")
)

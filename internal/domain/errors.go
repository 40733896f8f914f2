package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidCandle    = errors.New("invalid candle")
	ErrEmptySeries      = errors.New("empty series")
	ErrUnknownTimeframe = errors.New("unknown timeframe")
	ErrUnknownStrategy  = errors.New("unknown strategy")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrContextDone      = errors.New("context cancelled")
)

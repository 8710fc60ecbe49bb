package aireply

import "errors"

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotConfigured = errors.New("API key not configured")
	ErrTimeout       = errors.New("request timeout")
	ErrEmptyReply    = errors.New("no response from model")
	ErrUpstream      = errors.New("failed to generate response")
)

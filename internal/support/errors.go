// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package support

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrConnectionReset reports an orderly EOF on a tunnel stream. The tunnel
// treats it exactly like any other transport failure; the distinct sentinel
// keeps the log line honest about what happened.
var ErrConnectionReset = errors.New("connection reset")

// AuthError reports a rejected control connection: short or malformed auth
// blob, unknown tunnel name, undecodable listen address, or bind failure.
// The control connection is closed without a response frame.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError builds an AuthError with an optional cause.
func NewAuthError(reason string, err error) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}

// IsBenignCloseError returns true for normal connection close conditions
// to avoid noisy logs when tearing down half-closed TCP streams.
func IsBenignCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnectionReset) {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "EOF") { // treat wrapped EOFs as benign
		return true
	}
	return false
}

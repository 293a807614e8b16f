/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package errcode defines the stable, user-facing error code taxonomy
// for ClipSync. Every code appears exactly once in this file.
package errcode

// Code is a stable identifier attached to user-facing errors so that
// log scraping and support scripts can match on a string that never
// changes meaning across releases.
type Code string

const (
	Network             Code = "CS001"
	Auth                Code = "CS002"
	Connection          Code = "CS003"
	DataFormat          Code = "CS004"
	System              Code = "CS005"
	Transfer            Code = "CS006"
	Reconnect           Code = "CS007"
	PeerNotFound        Code = "CS008"
	ConnectionClosed    Code = "CS009"
	Timeout             Code = "CS010"
	VersionMismatch     Code = "CS011"
	ConfigError         Code = "CS012"
	PermissionDenied    Code = "CS013"
	NetworkUnavailable  Code = "CS014"
	ServiceUnavailable  Code = "CS015"
)

// Error wraps an underlying error with a stable Code for presentation
// to a user or an operator dashboard.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Msg + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given code, message, and optional
// wrapped cause.
func New(c Code, msg string, cause error) *Error {
	return &Error{Code: c, Msg: msg, Err: cause}
}

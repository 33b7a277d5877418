// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package alert carries the (D)TLS alert message type. The MPS core
// interprets alerts only as far as spec.md §1 allows: fatal vs. non-fatal.
// It does not interpret alert semantics beyond that distinction.
package alert

import "fmt"

// Level is the alert severity.
type Level uint8

// Alert levels.
const (
	Warning Level = 1
	Fatal   Level = 2
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Description is the alert code. MPS does not interpret any value beyond
// CloseNotify, which it special-cases for connection teardown.
type Description uint8

// Alert descriptions MPS needs to recognize by name.
const (
	CloseNotify       Description = 0
	UnexpectedMessage Description = 10
	DecodeError       Description = 50
	InternalError     Description = 80
)

// Alert is a fatal-or-warning alert message.
type Alert struct {
	Level       Level
	Description Description
}

// Error implements the error interface so an Alert can be returned/wrapped
// as a Go error by callers that received one.
func (a *Alert) Error() string {
	return fmt.Sprintf("alert: %s: %d", a.Level, a.Description)
}

// IsFatalOrCloseNotify reports whether this alert should tear down the
// connection: any Fatal alert, or a Warning-level CloseNotify.
func (a *Alert) IsFatalOrCloseNotify() bool {
	return a.Level == Fatal || a.Description == CloseNotify
}

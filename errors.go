// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package tinybms

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when no matching response arrives before the
// operation deadline expires.
var ErrTimeout = errors.New("tinybms: request timed out")

// ErrConnectionClosed is returned to every outstanding operation when
// the transport closes or fails. The client is unusable afterwards.
var ErrConnectionClosed = errors.New("tinybms: connection closed")

// NackError reports a negative acknowledgement from the BMS.
// Cmd is the command the device rejected and Code its error code.
type NackError struct {
	Cmd  byte
	Code byte
}

func (e *NackError) Error() string {
	return fmt.Sprintf("tinybms: NACK for command 0x%02X (error code 0x%02X)", e.Cmd, e.Code)
}

// ValidationError reports a value rejected before any I/O was
// attempted, typically a write outside the register's representable
// range or configured bounds.
type ValidationError struct {
	Key    string
	Value  float64
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("tinybms: invalid value %g: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("tinybms: invalid value %g for register %q: %s", e.Value, e.Key, e.Reason)
}

// Package lberr defines the coded error type used across this daemon.
package lberr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure independent of the message text.
type Code uint32

const (
	CodeUnknown Code = iota
	CodeConfig
	CodeDNSResolve
	CodeKernelApply
	CodeMonitorRun
	CodeBGPProtocol
	CodeBGPCollision
	CodeServerState
	CodeConfigSource
)

func (c Code) String() string {
	switch c {
	case CodeConfig:
		return "config"
	case CodeDNSResolve:
		return "dns_resolve"
	case CodeKernelApply:
		return "kernel_apply"
	case CodeMonitorRun:
		return "monitor_run"
	case CodeBGPProtocol:
		return "bgp_protocol"
	case CodeBGPCollision:
		return "bgp_collision"
	case CodeServerState:
		return "server_state"
	case CodeConfigSource:
		return "config_source"
	default:
		return "unknown"
	}
}

// Error is a coded error with an optional parent, modeled on the teacher's
// errors.Error interface but trimmed to what this system's call sites use.
type Error struct {
	code    Code
	message string
	parent  error
}

// New creates a new coded error with no parent.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Newf creates a new coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code and message to an existing error, preserving the chain.
func Wrap(code Code, message string, parent error) *Error {
	return &Error{code: code, message: message, parent: parent}
}

func (e *Error) Error() string {
	if e.parent != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.parent)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	return e.parent
}

func (e *Error) Code() Code {
	return e.code
}

// Is reports whether target is a coded error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.code == e.code
	}
	return false
}

// CodeOf extracts the Code from err, walking its chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeUnknown
}

// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package core

import (
	"errors"
	"fmt"
)

// stdError is a tiny helper so registry invariant messages read as plain
// sentinel errors (usable with errors.Is) without each one needing its own
// named type.
func stdError(text string) error { return errors.New(text) }

// Kind classifies a core error the way spec §7 enumerates them. Propagation
// policy (which HTTP status or HTTP/2 code a Kind maps to) lives in
// proxy.go, not here, so this stays a plain taxonomy.
type Kind uint8

const (
	KindParseError Kind = iota + 1
	KindProtocolViolation
	KindBackendUnreachable
	KindBackendTimeout
	KindFrontendTimeout
	KindTLSHandshakeFailure
	KindNoMatchingFrontend
	KindNoHealthyBackend
	KindResourceExhausted
	KindConfigInvalid
	KindInternalInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindParseError:
		return "ParseError"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindBackendUnreachable:
		return "BackendUnreachable"
	case KindBackendTimeout:
		return "BackendTimeout"
	case KindFrontendTimeout:
		return "FrontendTimeout"
	case KindTLSHandshakeFailure:
		return "TlsHandshakeFailure"
	case KindNoMatchingFrontend:
		return "NoMatchingFrontend"
	case KindNoHealthyBackend:
		return "NoHealthyBackend"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindInternalInvariantViolation:
		return "InternalInvariantViolation"
	default:
		return "Unknown"
	}
}

// Error is the core's uniform error type. Op names the component that
// raised it (e.g. "router.Match", "tls.Handshake") for log correlation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of err if err is (or wraps) a *Error, and ok=false
// otherwise. Callers use this to pick an HTTP status per spec §7.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if ce, is := err.(*Error); is {
			e = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.Kind, true
}

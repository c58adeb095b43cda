package passport

import (
	"errors"
	"fmt"

	"within.website/ln"
)

// Kind classifies a passport failure.
type Kind int

// Failure kinds. Every error returned by this package is an *Error with one
// of these kinds.
const (
	KindConfig Kind = iota + 1
	KindRequest
	KindTokenExchange
	KindAuth
	KindPrecondition
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindRequest:
		return "request"
	case KindTokenExchange:
		return "token exchange"
	case KindAuth:
		return "authorization"
	case KindPrecondition:
		return "precondition"
	case KindValidation:
		return "validation"
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConfig        = &Error{Kind: KindConfig}
	ErrRequest       = &Error{Kind: KindRequest}
	ErrTokenExchange = &Error{Kind: KindTokenExchange}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrPrecondition  = &Error{Kind: KindPrecondition}
	ErrValidation    = &Error{Kind: KindValidation}
)

// Causes wrapped by validation errors on guild ids.
var (
	ErrNotNumeric = errors.New("passport: value must be a string of decimal digits")
	ErrLength     = errors.New("passport: value must be an 18 digit snowflake")
)

// Error is a failed passport operation.
type Error struct {
	Kind  Kind
	Op    string // method that failed, e.g. "open"
	Field string // offending option, scope or parameter, if any
	Msg   string
	Body  []byte // raw response payload, if any
	Err   error
}

func (e *Error) Error() string {
	msg := "passport: "
	if e.Op != "" {
		msg += e.Op + ": "
	}

	if e.Msg != "" {
		msg += e.Msg
	} else {
		msg += e.Kind.String() + " error"
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	if len(e.Body) != 0 {
		msg += "\n" + string(e.Body)
	}

	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a kind sentinel matching e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// F returns log fields describing e.
func (e *Error) F() ln.F {
	f := ln.F{
		"passport_error_kind": e.Kind.String(),
	}
	if e.Op != "" {
		f["passport_op"] = e.Op
	}
	if e.Field != "" {
		f["passport_field"] = e.Field
	}
	if len(e.Body) != 0 {
		f["passport_response"] = string(e.Body)
	}

	return f
}

func configError(field string) error {
	return &Error{
		Kind:  KindConfig,
		Op:    "new",
		Field: field,
		Msg:   "missing the " + field + " param",
	}
}

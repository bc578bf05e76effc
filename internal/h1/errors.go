package h1

import (
	"errors"
	"fmt"
	"net/http"
)

// ParseKind classifies a request that could not be parsed.
type ParseKind int

const (
	// ParseHeader covers malformed request lines and header blocks.
	ParseHeader ParseKind = iota
	// ParseTooLarge is a request head exceeding the read buffer limit.
	ParseTooLarge
	// ParseVersion is a request line naming a protocol version other than 1.x.
	ParseVersion
	// ParseVersionH2 is the HTTP/2 client preface seen where the first
	// HTTP/1 request line was expected.
	ParseVersionH2
)

func (k ParseKind) String() string {
	switch k {
	case ParseHeader:
		return "invalid request head"
	case ParseTooLarge:
		return "request head too large"
	case ParseVersion:
		return "unsupported HTTP version"
	case ParseVersionH2:
		return "HTTP/2 connection preface"
	default:
		return fmt.Sprintf("parse kind %d", int(k))
	}
}

// status is the response code written for the kind, 0 when nothing is written.
func (k ParseKind) status() int {
	switch k {
	case ParseTooLarge:
		return http.StatusRequestHeaderFieldsTooLarge
	case ParseVersion:
		return http.StatusHTTPVersionNotSupported
	case ParseVersionH2:
		return 0
	default:
		return http.StatusBadRequest
	}
}

// ParseError reports input that is not a valid HTTP/1 request.
type ParseError struct {
	Kind ParseKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("h1: %s: %v", e.Kind, e.Err)
	}
	return "h1: " + e.Kind.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is matches another *ParseError of the same kind.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}

// ErrVersionH2 matches, via errors.Is, the error returned when a connection
// opened with the HTTP/2 client preface.
var ErrVersionH2 error = &ParseError{Kind: ParseVersionH2}

// IsVersionH2 reports whether err is exactly the HTTP/2 preface signature.
// No other parse or I/O failure matches.
func IsVersionH2(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Kind == ParseVersionH2
}

var (
	// ErrClosed is returned when serving a connection that already finished.
	ErrClosed = errors.New("h1: connection already closed")

	// ErrUnsolicitedSwitch is returned when a handler answered 101 to a
	// request that did not ask to switch protocols.
	ErrUnsolicitedSwitch = errors.New("h1: 101 response to a request without upgrade")

	errTooLarge = errors.New("request head exceeds buffer limit")
)

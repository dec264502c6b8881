package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind int

const (
	// KindRemote is a non-200 answer without a recognised error code.
	KindRemote Kind = iota
	KindTransport
	KindCredentialInvalidated
	KindRegionUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindCredentialInvalidated:
		return "credential_invalidated"
	case KindRegionUnsupported:
		return "region_unsupported"
	default:
		return "remote"
	}
}

var (
	ErrTransport             = errors.New("remote: transport failure")
	ErrCredentialInvalidated = errors.New("remote: credential invalidated")
	ErrRegionUnsupported     = errors.New("remote: region unsupported")
)

const (
	codeTokenInvalidated  = "token_invalidated"
	codeTokenExpired      = "token_expired"
	codeUnsupportedRegion = "unsupported_country_code"
)

type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Code       string
	Message    string

	// Param carries the offending parameter, e.g. the country for region errors.
	Param string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Param != "" {
		fmt.Fprintf(&b, " [%s]", e.Param)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrCredentialInvalidated:
		return e.Kind == KindCredentialInvalidated
	case ErrRegionUnsupported:
		return e.Kind == KindRegionUnsupported
	}
	return false
}

// IsFatal reports whether err means no proxy or retry can help the credential.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCredentialInvalidated) || errors.Is(err, ErrRegionUnsupported)
}

type errorEnvelope struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

func transportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// classify turns a non-200 response into a typed error using the structured
// error code when the body carries one. Credential codes only count on a 401.
func classify(op string, status int, body []byte) *Error {
	e := &Error{Kind: KindRemote, Op: op, StatusCode: status}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		e.Code = envelope.Error.Code
		e.Message = envelope.Error.Message
		e.Param = envelope.Error.Param
	} else {
		e.Message = truncate(strings.TrimSpace(string(body)), 300)
	}

	switch {
	case status == http.StatusUnauthorized && (e.Code == codeTokenInvalidated || e.Code == codeTokenExpired):
		e.Kind = KindCredentialInvalidated
	case e.Code == codeUnsupportedRegion:
		e.Kind = KindRegionUnsupported
	}

	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed remote call
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindServer
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "AuthenticationError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindNotFound:
		return "NotFoundError"
	case KindServer:
		return "ServerError"
	case KindNetwork:
		return "NetworkError"
	default:
		return "UnknownError"
	}
}

// User-facing messages per kind. The product UI is Persian.
const (
	MsgAuthentication = "نام کاربری یا رمز عبور نادرست است"
	MsgAuthorization  = "شما اجازه دسترسی به این بخش را ندارید"
	MsgNotFound       = "مسیر مورد نظر یافت نشد"
	MsgServer         = "خطای سرور، لطفا مجددا تلاش کنید"
	MsgNetwork        = "خطا در ارتباط با سرور، لطفا اتصال اینترنت خود را بررسی کنید"
	MsgUnknown        = "خطایی رخ داده است، لطفا مجددا تلاش کنید"
	MsgCanceled       = "درخواست لغو شد"
)

// DefaultMessage returns the generic message for a kind
func (k ErrorKind) DefaultMessage() string {
	switch k {
	case KindAuthentication:
		return MsgAuthentication
	case KindAuthorization:
		return MsgAuthorization
	case KindNotFound:
		return MsgNotFound
	case KindServer:
		return MsgServer
	case KindNetwork:
		return MsgNetwork
	default:
		return MsgUnknown
	}
}

// Error is the only error type returned by Client. Message is always safe to
// show to the user.
type Error struct {
	Kind    ErrorKind
	Message string
	Status  int   // HTTP status, 0 when no response arrived
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (status %d): %s: %v", e.Kind, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of kind. An empty message selects the kind's
// default text.
func NewError(kind ErrorKind, message string, cause error) *Error {
	if message == "" {
		message = kind.DefaultMessage()
	}
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindForStatus maps an HTTP status to an error kind
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// classify builds the error for a non-2xx response. A message supplied by
// the server wins over the generic one.
func classify(status int, serverMessage string) *Error {
	e := NewError(KindForStatus(status), serverMessage, nil)
	e.Status = status
	return e
}

// KindOf extracts the kind of err. Errors not produced by this package are
// KindUnknown.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// UserMessage returns the text to display for err
func UserMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return MsgUnknown
}

// IsUnauthorized reports whether err is an authentication failure
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindAuthentication
}

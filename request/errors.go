package request

import "fmt"

// Engine status codes. Positive values are HTTP statuses.
const (
	CodeOK             = 200
	CodeGeneral        = -1
	CodeNoConfig       = -2
	CodeNoToken        = -3
	CodeNoData         = -4
	CodeInvalidData    = -5
	CodeCanceled       = -6
	CodeTimeout        = -7
	CodeNoNetwork      = -8
	CodeNoStreamReader = -9
)

const (
	MsgNoData         = "No data received from server."
	MsgNoValidResp    = "No valid response received from server."
	MsgInvalidData    = "Invalid data received from server."
	MsgEmptyStream    = "Stream was closed with no data written."
	MsgNoConfig       = "No endpoint configured."
	MsgNoToken        = "No client token configured."
	MsgNoNetwork      = "No network connection available."
	MsgNoStreamReader = "Audio request has no StreamReady subscriber."
	MsgCanceled       = "Request was canceled."
)

type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindPreflight
	KindTransport
	KindProtocol
	KindTimeout
	KindCancellation
)

func (k ErrorKind) String() string {
	switch k {
	case KindPreflight:
		return "preflight"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindCancellation:
		return "cancellation"
	}
	return "none"
}

// Error is the failure or cancellation carried by a finished request.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Kind, e.Code, e.Message)
}

func newError(kind ErrorKind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func newErrorf(kind ErrorKind, code int, format string, args ...any) *Error {
	return newError(kind, code, fmt.Sprintf(format, args...))
}

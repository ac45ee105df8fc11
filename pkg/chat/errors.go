package chat

import "fmt"

type ErrorKind string

const (
	ErrorKindAlreadyExists    ErrorKind = "alreadyExists"
	ErrorKindUnknownUser      ErrorKind = "unknownUser"
	ErrorKindUnknownRecipient ErrorKind = "unknownRecipient"
	ErrorKindBadCredentials   ErrorKind = "badCredentials"
)

// Error is an application-level failure returned verbatim to the
// caller. Transport and consensus failures are never represented as
// chat errors.
type Error struct {
	Kind    ErrorKind
	Message string
}

func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

func (err *Error) Error() string {
	return err.Message
}

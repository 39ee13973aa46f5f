// Provides common meridian error definitions. User-visible failures
// from the catalog and the bucket engine carry one of the closed set of
// codes below; invariant violations panic instead of returning.
package meridianerrors

import (
	"errors"
	"fmt"
)

type Code int

const (
	CodeUnknown Code = iota
	CodeCannotCreateIndex
	CodeIndexAlreadyExists
	CodeIndexBuildAlreadyInProgress
	CodeIndexKeySpecsConflict
	CodeIndexOptionsConflict
	CodeInvalidIndexSpecificationOption
	CodeIndexNotFound
	CodeWriteConflict
	CodeFailedToParse
)

var codeNames = map[Code]string{
	CodeUnknown:                         "Unknown",
	CodeCannotCreateIndex:               "CannotCreateIndex",
	CodeIndexAlreadyExists:              "IndexAlreadyExists",
	CodeIndexBuildAlreadyInProgress:     "IndexBuildAlreadyInProgress",
	CodeIndexKeySpecsConflict:           "IndexKeySpecsConflict",
	CodeIndexOptionsConflict:            "IndexOptionsConflict",
	CodeInvalidIndexSpecificationOption: "InvalidIndexSpecificationOption",
	CodeIndexNotFound:                   "IndexNotFound",
	CodeWriteConflict:                   "WriteConflict",
	CodeFailedToParse:                   "FailedToParse",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

type Error struct {
	code Code
	msg  string
	err  error
}

func New(code Code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error) *Error {
	return &Error{code: code, msg: err.Error(), err: err}
}

func (e *Error) Error() string { return e.code.String() + ": " + e.msg }
func (e *Error) Code() Code    { return e.code }
func (e *Error) Unwrap() error { return e.err }

// CodeOf extracts the meridian code from an error chain, CodeUnknown if
// none is present.
func CodeOf(err error) Code {
	var me *Error
	if errors.As(err, &me) {
		return me.code
	}
	return CodeUnknown
}

func HasCode(err error, code Code) bool { return CodeOf(err) == code }

func IsWriteConflict(err error) bool { return HasCode(err, CodeWriteConflict) }

// Soft reports whether the error is a success-with-no-op from the
// caller's perspective (the index already exists or is being built).
func Soft(err error) bool {
	c := CodeOf(err)
	return c == CodeIndexAlreadyExists || c == CodeIndexBuildAlreadyInProgress
}

package spider

import (
	"errors"
	"fmt"
)

// Error kinds. Compare with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrLoad            = errors.New("load failed")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotRunning      = errors.New("not running")
	ErrAlreadyPaused   = errors.New("already paused")
	ErrNotPaused       = errors.New("not paused")
	ErrDataConsistency = errors.New("data consistency")
	ErrStore           = errors.New("store failure")
)

// Error is a classified failure concerning one spider.
type Error struct {
	Kind   error
	Spider string
	Msg    string
	Err    error
}

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind error, spiderName string, format string, args ...any) *Error {
	return &Error{Kind: kind, Spider: spiderName, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind for spiderName. A nil err yields nil.
func Wrap(kind error, spiderName string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Spider: spiderName, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Spider == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("spider %s: %s: %s", e.Spider, e.Kind, msg)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

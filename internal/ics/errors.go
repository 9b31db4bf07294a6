package ics

import "fmt"

// ParseError reports canonical text that cannot be turned into a Record.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ics parse: %s: %v", e.Reason, e.Err)
	}
	return "ics parse: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// PatchError reports a draft or patch that was rejected. No text is produced
// alongside a PatchError.
type PatchError struct {
	Field  string
	Reason string
	Err    error
}

func (e *PatchError) Error() string {
	msg := "ics patch"
	if e.Field != "" {
		msg += " " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PatchError) Unwrap() error { return e.Err }

// Package fserr defines the error kinds shared by every layer of the
// filesystem. Callers classify failures with errors.Is; layers add
// context by wrapping with fmt.Errorf("...: %w", ...).
package fserr

import "errors"

var (
	ErrInvalid  = errors.New("invalid argument")
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrNotDir   = errors.New("not a directory")
	ErrIsDir    = errors.New("is a directory")
	ErrNotEmpty = errors.New("directory not empty")
	ErrNoSpace  = errors.New("out of space")
	ErrIO       = errors.New("i/o error")
	ErrCorrupt  = errors.New("corrupt image")

	// ErrBusy reports that the backing image is already open in some
	// other mount or process.
	ErrBusy = errors.New("image in use")
)

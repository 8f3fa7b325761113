package main

import "fmt"

// exitError carries a process exit code through cobra's error return. A
// silent exit suppresses the stderr line for failures the sync loop already
// logged, such as an operator interrupt mid-run.
type exitError struct {
	code   int
	err    error
	silent bool
}

// syncInterrupted maps an operator interrupt to the conventional 130 exit.
func syncInterrupted(err error) *exitError {
	return &exitError{code: 130, err: err, silent: true}
}

// syncFailed maps a failed sync to a plain nonzero exit.
func syncFailed(err error) *exitError {
	return &exitError{code: 1, err: err}
}

func (e *exitError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

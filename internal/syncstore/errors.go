package syncstore

import "fmt"

// ValidationError reports an item rejected before it reached storage.
type ValidationError struct {
	msg string
}

func (e ValidationError) Error() string { return "syncstore: " + e.msg }

func errorf(format string, args ...any) error {
	return ValidationError{msg: fmt.Sprintf(format, args...)}
}

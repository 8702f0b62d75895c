// Package errx builds errors that match both a package sentinel and the
// underlying cause under errors.Is.
package errx

import "fmt"

// Wrap returns an error whose message is "<sentinel>: <err>" and which
// unwraps to both.
func Wrap(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// With appends a formatted suffix to sentinel. The format may itself use %w.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}

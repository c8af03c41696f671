// Package clipboard copies transcript text to the system clipboard.
package clipboard

import (
	"errors"

	cb "github.com/atotto/clipboard"
)

var ErrUnsupported = errors.New("no clipboard utility available (install xclip, xsel or wl-clipboard)")

func Read() (string, error) {
	if cb.Unsupported {
		return "", ErrUnsupported
	}
	return cb.ReadAll()
}

func Copy(text string) error {
	if cb.Unsupported {
		return ErrUnsupported
	}
	return cb.WriteAll(text)
}

// Check writes a probe string and reads it back, restoring the previous
// contents afterwards.
func Check() error {
	prev, err := Read()
	if err != nil {
		return err
	}
	defer cb.WriteAll(prev)

	const probe = "scribe-clipboard-check"
	if err := Copy(probe); err != nil {
		return err
	}
	got, err := Read()
	if err != nil {
		return err
	}
	if got != probe {
		return errors.New("clipboard did not keep written text")
	}
	return nil
}

package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Resolver returns a configured passphrase. ok is false when nothing is
// configured and the operator should be prompted.
type Resolver func() (passphrase string, ok bool, err error)

// Source lazily resolves the wallet keystore passphrase, first through its
// resolver and then by prompting on the terminal. The value is cached after
// the first call.
type Source struct {
	resolve Resolver
	label   string
	input   *os.File
	output  io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource returns a source that consults resolve before prompting for the
// passphrase named by label. A nil resolve always prompts.
func NewSource(resolve Resolver, label string) *Source {
	if strings.TrimSpace(label) == "" {
		label = "wallet keystore passphrase"
	}
	return &Source{resolve: resolve, label: label, input: os.Stdin, output: os.Stderr}
}

// Get returns the cached passphrase or resolves it on first use. Whitespace
// only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.resolve != nil {
			value, ok, err := s.resolve()
			if err != nil {
				s.err = err
				return
			}
			if ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is configured but empty", s.label)
					return
				}
				s.value = value
				return
			}
		}

		fd := int(s.input.Fd())
		if !term.IsTerminal(fd) {
			s.err = fmt.Errorf("%s required; configure wallet.passphrase_env or run interactively", s.label)
			return
		}
		fmt.Fprintf(s.output, "Enter %s: ", s.label)
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(s.output)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(string(bytes)) == "" {
			s.err = errors.New("passphrase cannot be empty")
			return
		}
		s.value = string(bytes)
	})
	return s.value, s.err
}

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

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	prompt string

	// overridable in tests
	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)
	promptOut    io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar, prompt string) *Source {
	if strings.TrimSpace(prompt) == "" {
		prompt = "Enter keystore passphrase: "
	}
	return &Source{
		envVar:       strings.TrimSpace(envVar),
		prompt:       prompt,
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
		promptOut:    os.Stderr,
	}
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		value, err := s.read(s.prompt)
		if err != nil {
			s.err = err
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = errors.New("keystore passphrase cannot be empty")
			return
		}
		s.value = value
	})

	return s.value, s.err
}

// ReadSecret prompts on the terminal without echo. It is used for values that
// must not end up in shell history.
func (s *Source) ReadSecret(prompt string) (string, error) {
	return s.read(prompt)
}

func (s *Source) read(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !s.isTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("input required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("input required and no terminal available")
	}
	fmt.Fprint(s.promptOut, prompt)
	bytes, err := s.readPassword(fd)
	fmt.Fprintln(s.promptOut)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(bytes), nil
}

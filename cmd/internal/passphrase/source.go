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

// Source lazily resolves a secret from an environment variable or by
// prompting the operator without echo. The value is cached after the first
// successful retrieval.
type Source struct {
	envVar string
	label  string
	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting for label
// on the terminal.
func NewSource(envVar, label string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), label: strings.TrimSpace(label), prompt: promptTerminal}
}

// WithPrompt replaces the terminal prompt.
func (s *Source) WithPrompt(prompt func(label string) (string, error)) *Source {
	if prompt != nil {
		s.prompt = prompt
	}
	return s
}

// Get returns the cached value or resolves it on first use. Whitespace-only
// values are rejected.
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
		value, err := s.prompt(s.label)
		if err != nil {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively: %w", s.label, s.envVar, err)
			} else {
				s.err = fmt.Errorf("%s required: %w", s.label, err)
			}
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = fmt.Errorf("%s cannot be empty", s.label)
			return
		}
		s.value = value
	})
	return s.value, s.err
}

var errNoTerminal = errors.New("no terminal available")

func promptTerminal(label string) (string, error) {
	return readHidden(os.Stdin, os.Stderr, label)
}

func readHidden(in *os.File, out io.Writer, label string) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprintf(out, "Enter %s: ", label)
	bytes, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return string(bytes), nil
}

package admintoken

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves the admin bearer token from an environment variable
// or by prompting the operator. The value is cached after the first successful
// retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a token source that checks envVar before interactively
// prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the cached token or resolves it if this is the first call. When
// the environment variable is set the exact value is used; otherwise the
// operator is prompted on stderr. Whitespace-only tokens are rejected.
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

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("admin token required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("admin token required and no terminal available")
			}
			return
		}

		fmt.Fprint(os.Stderr, "Enter admin token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read token: %w", err)
			return
		}

		token := string(bytes)
		if strings.TrimSpace(token) == "" {
			s.err = errors.New("admin token cannot be empty")
			return
		}

		s.value = token
	})

	return s.value, s.err
}

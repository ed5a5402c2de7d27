package credentials

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompt asks for credentials interactively. Secrets are read without echo
// when the input is a terminal.
type Prompt struct {
	in  *bufio.Reader
	out io.Writer
	// readSecret reads one line without echo; nil means plain line reads.
	readSecret func() ([]byte, error)
}

// NewPrompt prompts on out and reads from in.
func NewPrompt(in *os.File, out io.Writer) *Prompt {
	p := &Prompt{in: bufio.NewReader(in), out: out}
	if fd := int(in.Fd()); term.IsTerminal(fd) {
		p.readSecret = func() ([]byte, error) { return term.ReadPassword(fd) }
	}
	return p
}

// NewReaderPrompt prompts on out and reads every answer, secrets included,
// as plain lines from in.
func NewReaderPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out}
}

func (p *Prompt) Username(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(p.out, "Username: ")
	return p.line()
}

func (p *Prompt) OldPassword(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.secret("Old password: ")
}

// NewPassword asks twice until both entries match.
func (p *Prompt) NewPassword(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		first, err := p.secret("New password: ")
		if err != nil {
			return "", err
		}
		second, err := p.secret("New password (again): ")
		if err != nil {
			return "", err
		}
		if first == second {
			return first, nil
		}
		fmt.Fprintln(p.out, "Passwords do not match.")
	}
}

func (p *Prompt) secret(label string) (string, error) {
	fmt.Fprint(p.out, label)
	if p.readSecret == nil {
		return p.line()
	}
	b, err := p.readSecret()
	// The terminal swallowed the newline along with the echo.
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

func (p *Prompt) line() (string, error) {
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: input closed", ErrNotProvided)
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(s, "\r\n"), nil
}

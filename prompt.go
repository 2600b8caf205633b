package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errNoInput = errors.New("no input")

// prompter reads credentials and answers from the user. Passwords are read
// without echo when the input is a terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{in: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
		p.tty = true
	}
	return p
}

// Interactive reports whether a person is typing the answers.
func (p *prompter) Interactive() bool {
	return p.tty
}

// Line asks for one line of text.
func (p *prompter) Line(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		if errors.Is(err, io.EOF) {
			return "", errNoInput
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Password asks for a secret.
func (p *prompter) Password(label string) (string, error) {
	if !p.tty {
		return p.Line(label)
	}

	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// NewPassword asks for a password twice and checks that both match.
func (p *prompter) NewPassword() (string, error) {
	pw, err := p.Password("New password: ")
	if err != nil {
		return "", err
	}
	if pw == "" {
		return "", errors.New("password cannot be empty")
	}
	again, err := p.Password("Confirm password: ")
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}

// Confirm asks a yes/no question. An empty answer selects def.
func (p *prompter) Confirm(label string, def bool) (bool, error) {
	hint := " [y/N]: "
	if def {
		hint = " [Y/n]: "
	}
	answer, err := p.Line(label + hint)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected answer: %s", answer)
	}
}

// required returns value, or asks for it when it is empty.
func (p *prompter) required(value, label string) (string, error) {
	if value != "" {
		return value, nil
	}
	value, err := p.Line(label)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", fmt.Errorf("%s cannot be empty", strings.ToLower(strings.TrimSuffix(label, ": ")))
	}
	return value, nil
}

package ui

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/nace/ved/internal/system"
	"golang.org/x/term"
)

// ErrPasswordMismatch is returned when the confirmation differs.
var ErrPasswordMismatch = errors.New("passphrases don't match")

// StdinIsTerminal reports whether stdin is an interactive terminal.
func StdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// PromptString prompts for a string input
func PromptString(prompt string) string {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

// PromptPassword prompts for a password without echoing
func PromptPassword(prompt string) (*system.SecureBytes, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return system.NewSecureBytes(password), nil
}

// PromptNewPassword prompts twice and fails if the entries differ.
func PromptNewPassword(prompt string) (*system.SecureBytes, error) {
	password, err := PromptPassword(prompt)
	if err != nil {
		return nil, err
	}
	confirm, err := PromptPassword("Confirm " + strings.ToLower(prompt[:1]) + prompt[1:])
	if err != nil {
		password.Zeroize()
		return nil, err
	}
	defer confirm.Zeroize()

	if !password.Equal(confirm) {
		password.Zeroize()
		return nil, ErrPasswordMismatch
	}
	return password, nil
}

// ReadPasswordLine reads one line from r, without the line terminator.
// Reading stops at the newline so several passwords can share one stream.
func ReadPasswordLine(r *bufio.Reader) (*system.SecureBytes, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no password on stdin")
		}
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, errors.New("empty password on stdin")
	}
	return system.NewSecureBytes(line), nil
}

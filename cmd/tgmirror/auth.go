package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// terminalAuthorizer asks for login input on the terminal.
type terminalAuthorizer struct {
	reader *bufio.Reader
}

func newTerminalAuthorizer() *terminalAuthorizer {
	return &terminalAuthorizer{reader: bufio.NewReader(os.Stdin)}
}

func (a *terminalAuthorizer) readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := a.reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

func (a *terminalAuthorizer) PhoneNumber(_ context.Context) (string, error) {
	return a.readLine("Phone number (international format): ")
}

func (a *terminalAuthorizer) Code(_ context.Context) (string, error) {
	return a.readLine("Login code: ")
}

func (a *terminalAuthorizer) Password(_ context.Context, hint string) (string, error) {
	prompt := "Password: "
	if hint != "" {
		prompt = fmt.Sprintf("Password (hint: %s): ", hint)
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return a.readLine(prompt)
	}
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}

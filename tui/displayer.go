package tui

import (
	"fmt"
	"io"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/chat-cli/chat"
)

// SessionExpiredText is shown whenever the session cannot be recovered.
const SessionExpiredText = "Session expired, please log in again"

// Displayer abstracts all user-facing output of the CLI commands.
type Displayer interface {
	LoggedIn(name, email string, remembered bool)
	Registered(email string)
	LoggedOut(serverErr error)
	Status(authenticated bool, email string)
	ResetRequested(email string)
	PasswordChanged()
	ReplyDelta(text string)
	ReplyDone(outcome string)
	ReplyFailed(err error)
	SessionExpired()
	Warn(msg string)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stdout is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) LoggedIn(name, email string, remembered bool) {
	fmt.Fprintf(p.w, "Logged in as %s <%s>\n", name, email)
	if !remembered {
		fmt.Fprintln(p.w, "Session will not be remembered after this process exits.")
	}
}

func (p *PlainDisplayer) Registered(email string) {
	fmt.Fprintf(p.w, "Account created for %s. Run `login` to sign in.\n", email)
}

func (p *PlainDisplayer) LoggedOut(serverErr error) {
	if serverErr != nil {
		fmt.Fprintf(p.w, "Warning: %v\n", serverErr)
	}
	fmt.Fprintln(p.w, "Logged out.")
}

func (p *PlainDisplayer) Status(authenticated bool, email string) {
	switch {
	case authenticated && email != "":
		fmt.Fprintf(p.w, "Authenticated as %s\n", email)
	case authenticated:
		fmt.Fprintln(p.w, "Authenticated")
	default:
		fmt.Fprintln(p.w, "Not authenticated")
	}
}

func (p *PlainDisplayer) ResetRequested(email string) {
	fmt.Fprintf(p.w, "If an account exists for %s, a reset link has been sent.\n", email)
}

func (p *PlainDisplayer) PasswordChanged() {
	fmt.Fprintln(p.w, "Password has been reset. You can now log in.")
}

func (p *PlainDisplayer) ReplyDelta(text string) {
	fmt.Fprint(p.w, text)
}

func (p *PlainDisplayer) ReplyDone(outcome string) {
	fmt.Fprintln(p.w)
	if outcome != "" {
		fmt.Fprintf(p.w, "(reply %s)\n", outcome)
	}
}

func (p *PlainDisplayer) ReplyFailed(err error) {
	fmt.Fprintln(p.w, chat.FailureText)
}

func (p *PlainDisplayer) SessionExpired() {
	fmt.Fprintln(p.w, SessionExpiredText)
}

func (p *PlainDisplayer) Warn(msg string) {
	fmt.Fprintf(p.w, "Warning: %s\n", msg)
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program. It
// covers what the chat command reports while the screen is open.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

// Observe forwards conversation events; pass it to chat.WithObserver.
func (t *ProgramDisplayer) Observe(ev chat.Event) {
	t.p.Send(MsgConversation{Event: ev})
}

// Status reports the signed-in account in the status log.
func (t *ProgramDisplayer) Status(authenticated bool, email string) {
	t.p.Send(MsgAuthStatus{Authenticated: authenticated, Email: email})
}

// SessionExpired closes the screen so the user can log in again.
func (t *ProgramDisplayer) SessionExpired() {
	t.p.Send(MsgSessionExpired{})
}

func (t *ProgramDisplayer) Warn(msg string) {
	t.p.Send(MsgStatusLine{Text: msg, Warn: true})
}

package tui

import (
	"fmt"
	"io"
	"net/http"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/common-nighthawk/go-figure"
)

// Displayer abstracts all user-facing output of the CLI commands.
type Displayer interface {
	Banner(command string)
	SigningIn(email string, signUp bool)
	SignedIn(email string, expiresIn time.Duration)
	SignedOut()
	Status(info StatusInfo)
	Calling(method, path string)
	CallDone(status int, elapsed time.Duration)
	CallFailed(err error)
	AuthRequired(err error)
	Redirected(from, to string)
	Watching(path string)
	StateChanged(authenticated bool)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(command string) {
	fmt.Fprint(p.w, figure.NewFigure("authgate", "cybermedium", true).String())
	fmt.Fprintf(p.w, "=== Session CLI: %s ===\n", command)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SigningIn(email string, signUp bool) {
	if signUp {
		fmt.Fprintf(p.w, "Creating account for %s...\n", email)
		return
	}
	fmt.Fprintf(p.w, "Signing in as %s...\n", email)
}

func (p *PlainDisplayer) SignedIn(email string, expiresIn time.Duration) {
	fmt.Fprintf(p.w, "Signed in as %s\n", email)
	fmt.Fprintf(p.w, "Access token expires in %s\n", expiresIn.Round(time.Second))
}

func (p *PlainDisplayer) SignedOut() {
	fmt.Fprintln(p.w, "Signed out, stored credentials removed.")
}

func (p *PlainDisplayer) Status(info StatusInfo) {
	fmt.Fprintln(p.w, "========================================")
	fmt.Fprintf(p.w, "Token File:     %s\n", info.TokenFile)
	fmt.Fprintf(p.w, "Authenticated:  %t\n", info.Authenticated)
	if info.Authenticated {
		if info.AccessExpired {
			fmt.Fprintln(p.w, "Access Token:   expired (will refresh on next call)")
		} else {
			fmt.Fprintf(p.w, "Access Token:   valid for %s\n", time.Until(info.AccessExpiry).Round(time.Second))
		}
		fmt.Fprintf(p.w, "Refresh Token:  usable=%t\n", info.RefreshUsable)
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Calling(method, path string) {
	fmt.Fprintf(p.w, "%s %s\n", method, path)
}

func (p *PlainDisplayer) CallDone(status int, elapsed time.Duration) {
	fmt.Fprintf(p.w, "%d %s (%s)\n", status, http.StatusText(status), elapsed.Round(time.Millisecond))
}

func (p *PlainDisplayer) CallFailed(err error) {
	fmt.Fprintf(p.w, "Request failed: %v\n", err)
}

func (p *PlainDisplayer) AuthRequired(err error) {
	fmt.Fprintf(p.w, "Authentication required: %v\n", err)
	fmt.Fprintln(p.w, "Run 'signin' to start a new session.")
}

func (p *PlainDisplayer) Redirected(from, to string) {
	fmt.Fprintf(p.w, "Session ended, moving from %s to %s\n", from, to)
}

func (p *PlainDisplayer) Watching(path string) {
	fmt.Fprintf(p.w, "Watching %s for session changes (Ctrl+C to stop)...\n", path)
}

func (p *PlainDisplayer) StateChanged(authenticated bool) {
	if authenticated {
		fmt.Fprintf(p.w, "[%s] session: signed in\n", time.Now().Format(time.TimeOnly))
		return
	}
	fmt.Fprintf(p.w, "[%s] session: signed out\n", time.Now().Format(time.TimeOnly))
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)                    {}
func (NoopDisplayer) SigningIn(_ string, _ bool)         {}
func (NoopDisplayer) SignedIn(_ string, _ time.Duration) {}
func (NoopDisplayer) SignedOut()                         {}
func (NoopDisplayer) Status(_ StatusInfo)                {}
func (NoopDisplayer) Calling(_, _ string)                {}
func (NoopDisplayer) CallDone(_ int, _ time.Duration)    {}
func (NoopDisplayer) CallFailed(_ error)                 {}
func (NoopDisplayer) AuthRequired(_ error)               {}
func (NoopDisplayer) Redirected(_, _ string)             {}
func (NoopDisplayer) Watching(_ string)                  {}
func (NoopDisplayer) StateChanged(_ bool)                {}
func (NoopDisplayer) Fatal(_ error)                      {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(command string) {
	t.p.Send(MsgBanner{Command: command})
}

func (t *ProgramDisplayer) SigningIn(email string, signUp bool) {
	t.p.Send(MsgSigningIn{Email: email, SignUp: signUp})
}

func (t *ProgramDisplayer) SignedIn(email string, expiresIn time.Duration) {
	t.p.Send(MsgSignedIn{Email: email, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) SignedOut() {
	t.p.Send(MsgSignedOut{})
}

func (t *ProgramDisplayer) Status(info StatusInfo) {
	t.p.Send(MsgStatus{Info: info})
}

func (t *ProgramDisplayer) Calling(method, path string) {
	t.p.Send(MsgCalling{Method: method, Path: path})
}

func (t *ProgramDisplayer) CallDone(status int, elapsed time.Duration) {
	t.p.Send(MsgCallDone{Status: status, Elapsed: elapsed})
}

func (t *ProgramDisplayer) CallFailed(err error) {
	t.p.Send(MsgCallFailed{Err: err})
}

func (t *ProgramDisplayer) AuthRequired(err error) {
	t.p.Send(MsgAuthRequired{Err: err})
}

func (t *ProgramDisplayer) Redirected(from, to string) {
	t.p.Send(MsgRedirected{From: from, To: to})
}

func (t *ProgramDisplayer) Watching(path string) {
	t.p.Send(MsgWatching{Path: path})
}

func (t *ProgramDisplayer) StateChanged(authenticated bool) {
	t.p.Send(MsgStateChanged{Authenticated: authenticated})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

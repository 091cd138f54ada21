package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/authfetch"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/tui"
)

const usage = `Usage: session-cli [flags] <command> [args]

Commands:
  signin <email> <password>         sign in and store the credential pair
  signup <email> <password> [name]  create an account and sign in
  logout                            end the session and remove credentials
  status                            show the stored session
  call [-method M] [-data JSON] <path>
                                    send an authorized request, body to stdout
  watch                             follow session changes made by other processes

Flags:
`

var errUsage = errors.New("invalid usage")

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(parsedFlags())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, w := range cfg.warnings() {
		fmt.Fprintf(os.Stderr, "⚠️  WARNING: %s\n", w)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	log := newLogger(os.Stderr, cfg.LogLevel)

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner(args[0])
		runErr := run(cfg, d, log, args, os.Stdout)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		exit(runErr)
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner(args[0])
		exit(run(cfg, d, log, args, os.Stdout))
	}
}

func exit(err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

func run(cfg *config, d tui.Displayer, log zerolog.Logger, args []string, stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, rest := args[0], args[1:]
	start := session.RouteHome
	switch command {
	case "signin":
		start = session.RouteSignIn
	case "signup":
		start = session.RouteSignUp
	case "call":
		// The resource being called stands in for the current location.
		if path := lastArg(rest); path != "" {
			start = path
		}
	}

	a, err := newApp(cfg, d, log, newHTTPClient(), start)
	if err != nil {
		d.Fatal(err)
		return err
	}

	switch command {
	case "signin":
		err = a.signIn(ctx, rest)
	case "signup":
		err = a.signUp(ctx, rest)
	case "logout":
		err = a.logout(ctx)
	case "status":
		err = a.status()
	case "call":
		err = a.call(ctx, rest, stdout)
	case "watch":
		err = a.watch(ctx)
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	log.Debug().
		Str("command", command).
		Int64("refresh_exchanges", a.refresh.Exchanges()).
		Err(err).
		Msg("command finished")
	if err != nil && !errors.Is(err, errUsage) {
		d.Fatal(err)
	}
	return err
}

func (a *app) signIn(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: signin needs <email> <password>", errUsage)
	}
	email, password := args[0], args[1]

	a.session.Start()
	a.d.SigningIn(email, false)
	if err := a.session.SignIn(ctx, email, password); err != nil {
		return err
	}
	a.d.SignedIn(email, time.Until(a.store.Read().AccessExpiry))
	return nil
}

func (a *app) signUp(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("%w: signup needs <email> <password> [name]", errUsage)
	}
	email, password := args[0], args[1]
	var name string
	if len(args) == 3 {
		name = args[2]
	}

	a.session.Start()
	a.d.SigningIn(email, true)
	if err := a.session.SignUp(ctx, email, password, name); err != nil {
		return err
	}
	a.d.SignedIn(email, time.Until(a.store.Read().AccessExpiry))
	return nil
}

func (a *app) logout(ctx context.Context) error {
	a.session.Start()
	if err := a.session.Logout(ctx); err != nil {
		return err
	}
	a.d.SignedOut()
	return nil
}

func (a *app) status() error {
	a.session.Start()
	pair := a.store.Read()
	a.d.Status(tui.StatusInfo{
		TokenFile:     a.backend.Path(),
		Authenticated: a.session.State().Authenticated,
		AccessExpiry:  pair.AccessExpiry,
		AccessExpired: a.store.IsAccessExpired(),
		RefreshUsable: a.store.IsRefreshStillUsable(),
	})
	return nil
}

func (a *app) call(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	method := fs.String("method", http.MethodGet, "HTTP method")
	data := fs.String("data", "", "JSON request body")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: call needs exactly one <path>", errUsage)
	}
	path := fs.Arg(0)

	req := authfetch.RequestInit{Method: strings.ToUpper(*method)}
	if *data != "" {
		req.Body = []byte(*data)
	}

	a.session.Start()
	a.d.Calling(req.Method, path)
	started := time.Now()
	resp, err := a.fetch.Call(ctx, path, req)
	if err != nil {
		if errors.Is(err, authfetch.ErrAuthRequired) {
			a.d.AuthRequired(err)
		} else {
			a.d.CallFailed(err)
		}
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(stdout, resp.Body); err != nil {
		a.d.CallFailed(err)
		return fmt.Errorf("failed to read response: %w", err)
	}
	a.d.CallDone(resp.StatusCode, time.Since(started))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err := fmt.Errorf("server returned %d", resp.StatusCode)
		a.d.AuthRequired(err)
		return err
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

func (a *app) watch(ctx context.Context) error {
	a.session.Start()
	cancel := a.session.Subscribe(func(s session.State) {
		a.d.StateChanged(s.Authenticated)
	})
	defer cancel()

	if err := a.session.Watch(ctx, a.store); err != nil {
		return fmt.Errorf("failed to watch %s: %w", a.backend.Path(), err)
	}
	a.d.Watching(a.backend.Path())
	a.d.StateChanged(a.session.State().Authenticated)

	<-ctx.Done()
	return nil
}

// lastArg returns the final non-flag argument, or "".
func lastArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	if last := args[len(args)-1]; !strings.HasPrefix(last, "-") {
		return last
	}
	return ""
}

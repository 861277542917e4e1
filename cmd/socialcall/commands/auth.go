package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/huohua/socialcall/internal/app"
	"github.com/huohua/socialcall/internal/authorizer"
)

// errLoginCanceled is returned when the user denies access on the consent page.
var errLoginCanceled = errors.New("authorization canceled by user")

// authCommand returns the 'auth' subcommand for managing provider authentication.
func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage provider authentication",
		Commands: []*cli.Command{
			authLoginCommand(),
			authLogoutCommand(),
		},
	}
}

// authLoginCommand returns the 'auth login' subcommand.
func authLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Authorize this application and save credentials",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "manual",
				Usage: "paste the authorization code instead of waiting for the redirect",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address for the OAuth callback (host:port)",
			},
		},
		Action: authLoginAction,
	}
}

// authLogoutCommand returns the 'auth logout' subcommand.
func authLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Clear saved credentials",
		Action: authLogoutAction,
	}
}

// authLoginAction runs the OAuth authorization-code flow.
func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, flush, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	if cfg.Auth.Storage == app.TokenStorageTypeEnv {
		return fmt.Errorf("cannot login with env storage (read-only). Configure file or keyring storage")
	}

	if cmd.Bool("manual") {
		err = manualLogin(ctx, cfg)
	} else {
		err = redirectLogin(ctx, cfg)
	}
	if err != nil {
		return fmt.Errorf("oauth login failed: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Login Successful ===")
	fmt.Println("Token saved to configured storage")

	return nil
}

// redirectLogin waits for the provider to redirect to the local callback server.
func redirectLogin(ctx context.Context, cfg *app.Config) error {
	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	return application.Start(ctx, func(ctx context.Context) error {
		auth := application.Authorizer()

		outcome := make(flowWatcher, 1)
		unsubscribe := auth.Observe(outcome)
		defer unsubscribe()

		flow, err := auth.StartAuthorizationFlow()
		if err != nil {
			return err
		}
		printLoginInstructions(flow, "Return here after authorizing; the redirect completes the login")

		select {
		case err := <-outcome:
			return err
		case <-ctx.Done():
			auth.Cancel()
			return ctx.Err()
		}
	})
}

// manualLogin reads the authorization code (or the full redirect URL) from the terminal.
func manualLogin(ctx context.Context, cfg *app.Config) error {
	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}
	auth := authorizer.New(cfg.Auth.OAuth2Config(), store)

	flow, err := auth.StartAuthorizationFlow()
	if err != nil {
		return err
	}
	printLoginInstructions(flow, "Paste the authorization code or the URL you were redirected to")

	input, err := readSecureInput(ctx, "\nEnter authorization code: ")
	if err != nil {
		return err
	}

	code, state := parseCodeInput(input)
	if code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}
	if state == "" {
		state = flow.State
	}

	if err := auth.Complete(ctx, code, state); err != nil {
		return err
	}

	if _, err := store.Read(ctx); err != nil {
		return fmt.Errorf("token was not saved: %w", err)
	}
	return nil
}

func printLoginInstructions(flow *authorizer.Flow, last string) {
	fmt.Println("=== OAuth Login ===")
	fmt.Println()
	fmt.Printf("1. Visit this URL in your browser:\n   %s\n\n", flow.AuthURL)
	fmt.Println("2. Authorize the application")
	fmt.Printf("3. %s\n", last)
}

// parseCodeInput accepts a bare code or a redirect URL carrying code and state.
func parseCodeInput(input string) (code, state string) {
	input = strings.TrimSpace(input)
	if !strings.Contains(input, "code=") {
		return input, ""
	}

	raw := input
	if u, err := url.Parse(input); err == nil && u.RawQuery != "" {
		raw = u.RawQuery
	}
	query, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
	if err != nil {
		return input, ""
	}
	return query.Get("code"), query.Get("state")
}

// authLogoutAction clears the stored token.
func authLogoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, flush, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	if cfg.Auth.Storage == app.TokenStorageTypeEnv {
		return fmt.Errorf("cannot logout with env storage (read-only). Configure file or keyring storage")
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	if err := authorizer.New(cfg.Auth.OAuth2Config(), store).Logout(ctx); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Logout Successful ===")
	fmt.Println("Credentials cleared from configured storage")

	return nil
}

// flowWatcher reports the outcome of one authorization flow.
type flowWatcher chan error

func (w flowWatcher) OnAuthorizationSucceeded()        { w.send(nil) }
func (w flowWatcher) OnAuthorizationCanceled()         { w.send(errLoginCanceled) }
func (w flowWatcher) OnAuthorizationErrored(err error) { w.send(err) }

func (w flowWatcher) send(err error) {
	select {
	case w <- err:
	default:
	}
}

// readSecureInput reads user input with hidden display and context cancellation support.
// Goroutine+select pattern required because term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}

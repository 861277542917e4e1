package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v3"

	"github.com/huohua/socialcall/internal/apicaller"
	"github.com/huohua/socialcall/internal/app"
	"github.com/huohua/socialcall/internal/authorizer"
)

// ErrAuthorizationFailed is returned when a call could not be authorized.
var ErrAuthorizationFailed = errors.New("authorization failed")

// callCommand returns the 'call' subcommand.
func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Perform one authorized API call and print the response",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"X"},
				Usage:   "HTTP method (GET|POST|PUT|DELETE)",
				Value:   http.MethodGet,
			},
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "request parameter as key=value; repeatable",
			},
			&cli.StringFlag{
				Name:    "query",
				Aliases: []string{"q"},
				Usage:   "print only the value at this JSON path",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "pretty-print JSON output",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address for the OAuth callback (host:port)",
			},
		},
		Action: callAction,
	}
}

func callAction(ctx context.Context, cmd *cli.Command) error {
	target := cmd.Args().First()
	if target == "" {
		return errors.New("missing URL argument")
	}

	req := apicaller.NewRequest(cmd.String("method"), target)
	if err := addParams(req, cmd.StringSlice("param")); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	cfg, flush, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	var result string
	err = application.Start(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = performCall(ctx, application.Caller(), req, cmd.Root().ErrWriter)
		return callErr
	})
	if err != nil {
		return err
	}

	return printResult(cmd.Root().Writer, result, cmd.String("query"), cmd.Bool("pretty"))
}

// performCall issues req and waits for its terminal notification. When the
// call needs authorization first, the authorization URL is written to prompt.
func performCall(ctx context.Context, c *apicaller.Caller[*authorizer.Flow], req *apicaller.Request, prompt io.Writer) (string, error) {
	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)

	listener := apicaller.ListenerFuncs{
		Succeeded:           func(result string) { done <- outcome{result: result} },
		Failed:              func(err error) { done <- outcome{err: fmt.Errorf("api call failed: %w", err)} },
		AuthorizationFailed: func() { done <- outcome{err: ErrAuthorizationFailed} },
	}

	flow, err := c.Call(ctx, req, listener)
	if err != nil {
		return "", err
	}
	if flow != nil {
		fmt.Fprintf(prompt, "Authorization required. Visit this URL in your browser:\n   %s\n\n", flow.AuthURL)
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// addParams parses key=value pairs into the request parameters.
func addParams(req *apicaller.Request, pairs []string) error {
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid parameter %q (expected key=value)", pair)
		}
		req.Params.Add(key, value)
	}
	return nil
}

// printResult writes the response body, optionally narrowed to a JSON path
// and pretty-printed.
func printResult(w io.Writer, result, path string, pretty bool) error {
	if path != "" {
		if !gjson.Valid(result) {
			return errors.New("response is not JSON; cannot apply query")
		}
		value := gjson.Get(result, path)
		if !value.Exists() {
			return fmt.Errorf("no value at %q", path)
		}
		if value.Type == gjson.String {
			result = value.Str
			pretty = false
		} else {
			result = value.Raw
		}
	}

	if pretty && gjson.Valid(result) {
		result = strings.TrimRight(gjson.Get(result, "@pretty").Raw, "\n")
	}

	_, err := fmt.Fprintln(w, result)
	return err
}

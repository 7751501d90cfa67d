package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/briandowns/spinner"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"oidccli/config"
	"oidccli/flow"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	routeBrowserOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// routeBrowserOutput sends output of the browser helper process to w.
func routeBrowserOutput(w io.Writer) {
	browser.Stdout = w
	browser.Stderr = w
}

// execute runs the command and maps its error to an exit status. Extra flow
// options are appended after the defaults.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...flow.Option) int {
	cmd := newRootCommand(stdout, stderr, opts...)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "error: %v\n", err)
	var fe *flow.Error
	if errors.As(err, &fe) {
		return exitFailure
	}
	return exitUsage
}

type flagValues struct {
	configPath string
	logLevel   string

	authority   string
	clientID    string
	scope       string
	port        int
	audience    string
	diagnostics bool
	relaxed     bool
	skipSig     bool
	timeout     time.Duration
	noBrowser   bool
}

func newRootCommand(stdout, stderr io.Writer, opts ...flow.Option) *cobra.Command {
	var fv flagValues

	cmd := &cobra.Command{
		Use:   "oidc-cli",
		Short: "Sign in to an OpenID Connect provider and print the tokens",
		Long: `oidc-cli runs the authorization code flow with PKCE against an OpenID Connect
provider. It opens the system browser, receives the redirect on a loopback
port and prints the resulting tokens and ID token claims as JSON on stdout.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Flags(), fv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, stdout, stderr, opts...)
		},
	}

	f := cmd.Flags()
	f.SetNormalizeFunc(normalizeFlagName)
	f.StringVar(&fv.configPath, "config", os.Getenv(config.EnvConfigPath), "Path to YAML config")
	f.StringVar(&fv.logLevel, "log-level", "debug", "Diagnostics log level (debug, info, warn, error)")
	f.StringVarP(&fv.authority, "authority", "a", "", "OpenID Connect authority (issuer) URL")
	f.StringVarP(&fv.clientID, "client-id", "c", "", "OAuth client id")
	f.StringVarP(&fv.scope, "scope", "s", flow.DefaultScope, "Space separated scopes")
	f.IntVarP(&fv.port, "port", "p", 0, "Loopback redirect port (0 picks a free port)")
	f.StringVar(&fv.audience, "audience", "", "Audience sent as an extra authorization parameter")
	f.BoolVar(&fv.diagnostics, "diagnostics", false, "Write diagnostic logs to stderr")
	f.BoolVar(&fv.relaxed, "disable-endpoint-validation", false,
		"Allow authorization, token, userinfo, end_session and revocation endpoints on other hosts")
	f.BoolVar(&fv.skipSig, "skip-signature-check", false,
		"Do not verify the ID token signature. Needed for providers whose ID tokens cannot be verified\n"+
			"from their published JWKS, such as HS256 tokens signed with the client secret")
	f.DurationVar(&fv.timeout, "timeout", flow.DefaultCallbackTimeout, "How long to wait for the browser redirect")
	f.BoolVar(&fv.noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")

	return cmd
}

// normalizeFlagName accepts camelCase and snake_case spellings, so
// --clientId and --client_id both resolve to --client-id.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_':
			b.WriteRune('-')
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteRune('-')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return pflag.NormalizedName(b.String())
}

// resolveConfig layers explicitly set flags over the file and environment.
func resolveConfig(fs *pflag.FlagSet, fv flagValues) (config.Config, error) {
	cfg, err := config.Load(fv.configPath)
	if err != nil {
		return config.Config{}, err
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("authority", func() { cfg.Authority = fv.authority })
	set("client-id", func() { cfg.ClientID = fv.clientID })
	set("scope", func() { cfg.Scope = fv.scope })
	set("port", func() { cfg.Port = fv.port })
	set("audience", func() { cfg.Audience = fv.audience })
	set("diagnostics", func() { cfg.Diagnostics = fv.diagnostics })
	set("log-level", func() { cfg.LogLevel = fv.logLevel })
	set("disable-endpoint-validation", func() { cfg.DisableEndpointValidation = fv.relaxed })
	set("skip-signature-check", func() { cfg.SkipSignatureCheck = fv.skipSig })
	set("timeout", func() { cfg.CallbackTimeout = fv.timeout })
	set("no-browser", func() { cfg.NoBrowser = fv.noBrowser })

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, stdout, stderr io.Writer, opts ...flow.Option) error {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	notifier := newTerminalNotifier(stderr, cfg.Diagnostics)
	defer notifier.Stop()

	base := []flow.Option{
		flow.WithLogger(logger),
		flow.WithBrowser(flow.SystemBrowser{}),
		flow.WithNotifier(notifier),
	}
	orchestrator := flow.New(append(base, opts...)...)

	outcome := orchestrator.Run(ctx, cfg.Flow())
	notifier.Stop()

	rec, ok := flow.Report(outcome)
	if !ok {
		if fe := outcome.Err(); fe != nil {
			return fe
		}
		return errors.New("flow finished without a result")
	}
	return flow.WriteJSON(stdout, rec)
}

// terminalNotifier tells the user where to sign in and shows a spinner on
// interactive terminals while the redirect is pending. The spinner is left
// off when diagnostics share the same stream.
type terminalNotifier struct {
	out  io.Writer
	spin *spinner.Spinner
}

func newTerminalNotifier(out io.Writer, diagnostics bool) *terminalNotifier {
	n := &terminalNotifier{out: out}
	if f, ok := out.(*os.File); ok && !diagnostics {
		n.spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriterFile(f))
		n.spin.Suffix = " Waiting for the browser to complete sign-in..."
	}
	return n
}

func (n *terminalNotifier) AwaitingAuthorization(authURL string, browserErr error) {
	if browserErr != nil {
		fmt.Fprintf(n.out, "Could not open a browser: %v\n", browserErr)
	}
	fmt.Fprintf(n.out, "Complete sign-in in your browser. If it did not open, visit:\n\n    %s\n\n", authURL)
	if n.spin != nil {
		n.spin.Start()
	}
}

func (n *terminalNotifier) Stop() {
	if n.spin != nil {
		n.spin.Stop()
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

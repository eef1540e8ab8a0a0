// Package cli implements the devmarket command line.
package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/splax/devmarket/internal/status"
	"github.com/splax/devmarket/internal/tui"
)

// Exit codes returned by Execute.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitDeployFail  = 2
	ExitInterrupted = 130
)

var (
	errDeployFailed = errors.New("deployment failed")
	errInterrupted  = errors.New("interrupted")
)

// Option customises the CLI environment.
type Option func(*App)

// WithIO replaces stdin, stdout and stderr.
func WithIO(in io.Reader, out, errOut io.Writer) Option {
	return func(a *App) {
		a.in, a.out, a.errOut = in, out, errOut
	}
}

// WithDialer overrides the status stream dialer.
func WithDialer(d status.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithTerminal overrides terminal detection for the live deploy view.
func WithTerminal(isTerminal func(io.Writer) bool) Option {
	return func(a *App) { a.isTerminal = isTerminal }
}

// App carries the state shared by every command of one invocation.
type App struct {
	v          *viper.Viper
	cfgFile    string
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	dialer     status.Dialer
	isTerminal func(io.Writer) bool
	log        *slog.Logger
}

func newApp(opts ...Option) *App {
	a := &App{
		v:          viper.New(),
		in:         os.Stdin,
		out:        os.Stdout,
		errOut:     os.Stderr,
		isTerminal: isTerminal,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string, opts ...Option) int {
	a := newApp(opts...)
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errDeployFailed):
		return ExitDeployFail
	case errors.Is(err, errInterrupted), errors.Is(err, context.Canceled):
		tui.ShowInfo(a.errOut, "interrupted")
		return ExitInterrupted
	default:
		tui.ShowError(a.errOut, err.Error())
		return ExitError
	}
}

func (a *App) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "devmarket",
		Short:         "Generate, preview and deploy landing pages",
		Long:          "devmarket talks to the landing page generation service: generate pages, browse templates and deploy projects while following their live status.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/devmarket/config.json)")
	flags.String("api-url", "", "generation service base URL")
	flags.String("stream-url", "", "status stream base URL")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	cobra.CheckErr(a.v.BindPFlag("api_url", flags.Lookup("api-url")))
	cobra.CheckErr(a.v.BindPFlag("stream_url", flags.Lookup("stream-url")))
	cobra.CheckErr(a.v.BindPFlag("log_level", flags.Lookup("log-level")))

	root.AddCommand(
		a.generateCommand(),
		a.projectCommand(),
		a.deployCommand(),
		a.templatesCommand(),
		a.knowledgeCommand(),
		a.configCommand(),
		versionCommand(),
	)
	return root
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/splax/devmarket/internal/deploy"
	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/internal/session"
	"github.com/splax/devmarket/internal/status"
	"github.com/splax/devmarket/internal/tui"
	"github.com/splax/devmarket/pkg/api/client"
)

func (a *App) deployCommand() *cobra.Command {
	var platform string
	var plain bool
	cmd := &cobra.Command{
		Use:   "deploy <project-id>",
		Short: "Deploy a project and follow its live status",
		Example: `  devmarket deploy proj-1 --platform netlify
  devmarket deploy proj-1 -p vercel --plain`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParsePlatform(platform)
			if err != nil {
				return err
			}
			if err := domain.ValidateProjectID(args[0]); err != nil {
				return err
			}
			return a.deploy(cmd.Context(), args[0], p, plain)
		},
	}
	cmd.Flags().StringVarP(&platform, "platform", "p", string(domain.PlatformNetlify), "target platform (netlify, vercel, railway)")
	cmd.Flags().BoolVar(&plain, "plain", false, "print line-oriented progress even on a terminal")
	return cmd
}

func (a *App) deploy(ctx context.Context, projectID string, platform domain.Platform, plain bool) error {
	cfg := a.clientConfig()
	// The orchestrator's deploy timeout bounds the request.
	api, err := client.New(cfg.APIBaseURL, client.WithHTTPClient(&http.Client{}))
	if err != nil {
		return err
	}
	dialer := a.dialer
	if dialer == nil {
		dialer = status.NewWebsocketDialer(cfg.StreamDialTimeout)
	}
	channels := status.NewRegistry(cfg.StreamBaseURL, dialer, status.WithLogger(a.log))
	defer channels.DisconnectAll()
	orch := deploy.New(api, channels, deploy.WithLogger(a.log), deploy.WithTimeout(cfg.DeployTimeout))
	defer orch.Close()

	deps := session.Deps{Channels: channels, Orchestrator: orch, Logger: a.log}
	live := !plain && a.isTerminal(a.out)
	var outcome domain.Outcome
	err = session.Run(ctx, deps, projectID, func(ctx context.Context, s *session.Session) error {
		sub, err := s.Subscribe(cfg.SubscriberBuffer)
		if err != nil {
			return err
		}
		attempt, err := s.Deploy(ctx, platform)
		if err != nil {
			return err
		}
		if live {
			m, err := tui.RunDeploy(ctx, a.in, a.out, tui.NewDeployModel(projectID, platform, tui.DeploySource{
				Updates:    sub.Updates(),
				Done:       attempt.Done(),
				View:       s.View,
				Disconnect: s.DisconnectStatusChannel,
			}))
			if ctx.Err() != nil {
				return errInterrupted
			}
			if err != nil {
				return err
			}
			if m.Aborted() {
				return errInterrupted
			}
			outcome = attempt.Outcome()
			return nil
		}
		outcome, err = a.follow(ctx, s, sub, attempt)
		return err
	})
	if err != nil {
		return err
	}
	if !live {
		tui.ShowOutcome(a.out, outcome)
	}
	if outcome.Kind != domain.OutcomeSuccess {
		return errDeployFailed
	}
	return nil
}

// progressPrinter writes channel changes as lines, once each.
type progressPrinter struct {
	app      *App
	status   domain.StatusValue
	state    domain.ChannelState
	progress int
	messages int
}

func (p *progressPrinter) print(v session.View) {
	ch := v.Channel
	if ch.State != p.state {
		p.state = ch.State
		tui.ShowInfo(p.app.out, "stream "+string(ch.State))
	}
	if ch.Status != p.status && ch.Status != "" {
		p.status = ch.Status
		fmt.Fprintln(p.app.out, "status: "+string(ch.Status))
	}
	if ch.Progress != p.progress {
		p.progress = ch.Progress
		fmt.Fprintf(p.app.out, "progress: %d%%\n", ch.Progress)
	}
	for ; p.messages < len(ch.Messages); p.messages++ {
		fmt.Fprintln(p.app.out, "› "+ch.Messages[p.messages].Content)
	}
}

func (a *App) follow(ctx context.Context, s *session.Session, sub *status.Subscription, attempt *deploy.Attempt) (domain.Outcome, error) {
	tui.ShowInfo(a.out, fmt.Sprintf("deploying %s to %s (attempt %s)", s.ProjectID(), attempt.Platform.DisplayName(), attempt.ID))
	printer := &progressPrinter{app: a}
	warned := false
	updates := sub.Updates()
	for {
		select {
		case <-ctx.Done():
			return domain.Outcome{}, errInterrupted
		case <-attempt.Done():
			printer.print(s.View())
			return attempt.Outcome(), nil
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			printer.print(s.View())
			if attempt.ChannelError() && !warned {
				warned = true
				fmt.Fprintln(a.out, tui.WarnStyle.Render("status stream lost; waiting for the deploy result"))
			}
		}
	}
}

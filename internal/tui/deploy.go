// Package tui renders terminal output for the devmarket CLI, including the
// live deploy view.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/internal/session"
	"github.com/splax/devmarket/internal/status"
)

const recentMessages = 5

type keyMap struct {
	disconnect key.Binding
	quit       key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		disconnect: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "disconnect stream")),
		quit:       key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.disconnect, k.quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// DeploySource is what the deploy view watches.
type DeploySource struct {
	Updates    <-chan status.Update
	Done       <-chan struct{}
	View       func() session.View
	Disconnect func()
}

type channelMsg struct{ open bool }

type settledMsg struct{}

// DeployModel is the bubbletea model of one deploy attempt.
type DeployModel struct {
	projectID string
	platform  domain.Platform
	src       DeploySource

	view     session.View
	keys     keyMap
	help     help.Model
	spinner  spinner.Model
	bar      progress.Model
	finished bool
	aborted  bool
}

// NewDeployModel builds the view for a deploy already started.
func NewDeployModel(projectID string, platform domain.Platform, src DeploySource) DeployModel {
	s := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(DimStyle))
	m := DeployModel{
		projectID: projectID,
		platform:  platform,
		src:       src,
		keys:      newKeyMap(),
		help:      help.New(),
		spinner:   s,
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
	if src.View != nil {
		m.view = src.View()
	}
	return m
}

func (m DeployModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitChannel(m.src.Updates), waitSettled(m.src.Done))
}

func waitChannel(updates <-chan status.Update) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		_, ok := <-updates
		return channelMsg{open: ok}
	}
}

func waitSettled(done <-chan struct{}) tea.Cmd {
	if done == nil {
		return nil
	}
	return func() tea.Msg {
		<-done
		return settledMsg{}
	}
}

func (m DeployModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.quit):
			m.aborted = !m.finished
			return m, tea.Quit
		case key.Matches(msg, m.keys.disconnect):
			if m.src.Disconnect != nil {
				m.src.Disconnect()
			}
			m.refresh()
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		if w := msg.Width - 10; w > 10 && w < 60 {
			m.bar.Width = w
		}
	case channelMsg:
		m.refresh()
		if !msg.open {
			return m, nil
		}
		return m, waitChannel(m.src.Updates)
	case settledMsg:
		m.refresh()
		m.finished = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *DeployModel) refresh() {
	if m.src.View != nil {
		m.view = m.src.View()
	}
}

func (m DeployModel) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", BoldStyle.Render("Deploying "+m.projectID), DimStyle.Render("to "+m.platform.DisplayName()))

	ch := m.view.Channel
	indicator := m.spinner.View()
	if m.finished {
		indicator = " "
	}
	line := fmt.Sprintf("%s %s", indicator, BaseStyle.Render(string(orDefault(ch.Status, domain.StatusConnecting))))
	if ch.State != "" {
		line += DimStyle.Render(" · stream " + string(ch.State))
	}
	b.WriteString(line + "\n")
	b.WriteString("  " + m.bar.ViewAs(float64(clamp(ch.Progress))/100) + "\n")

	for _, entry := range ch.Recent(recentMessages) {
		b.WriteString(DimStyle.Render("  › "+entry.Content) + "\n")
	}

	if a := m.view.Attempt; a != nil {
		if a.ChannelError && !a.Outcome.Settled() {
			b.WriteString(WarnStyle.Render("  status stream lost; waiting for the deploy result") + "\n")
		}
		if a.Outcome.Settled() {
			b.WriteString("\n")
			if a.Outcome.Kind == domain.OutcomeSuccess {
				b.WriteString(SuccessPrefix.Render() + BaseStyle.Render(a.Message) + "\n")
			} else {
				b.WriteString(ErrorPrefix.Render() + BaseStyle.Render(a.Message) + "\n")
			}
		}
	}
	if !m.finished {
		b.WriteString("\n" + m.help.View(m.keys) + "\n")
	}
	return b.String()
}

// Outcome returns the attempt outcome as last observed.
func (m DeployModel) Outcome() domain.Outcome {
	if m.view.Attempt == nil {
		return domain.Outcome{Kind: domain.OutcomePending}
	}
	return m.view.Attempt.Outcome
}

// Aborted reports whether the user quit before the attempt settled.
func (m DeployModel) Aborted() bool {
	return m.aborted
}

// RunDeploy drives m until the attempt settles or the user quits.
func RunDeploy(ctx context.Context, in io.Reader, out io.Writer, m DeployModel) (DeployModel, error) {
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return m, err
	}
	result, ok := final.(DeployModel)
	if !ok {
		return m, fmt.Errorf("unexpected model %T", final)
	}
	return result, nil
}

func orDefault(v, fallback domain.StatusValue) domain.StatusValue {
	if v == "" {
		return fallback
	}
	return v
}

func clamp(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

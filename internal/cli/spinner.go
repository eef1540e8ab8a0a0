package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"

	"github.com/splax/devmarket/internal/tui"
)

// withSpinner runs fn, animating a spinner on stdout when it is a terminal.
func (a *App) withSpinner(ctx context.Context, label string, fn func(context.Context) error) error {
	if !a.isTerminal(a.out) {
		return fn(ctx)
	}
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	frames := spinner.Dot.Frames
	ticker := time.NewTicker(spinner.Dot.FPS)
	defer ticker.Stop()
	for i := 0; ; i++ {
		fmt.Fprintf(a.out, "\r%s %s", frames[i%len(frames)], tui.DimStyle.Render(label+"..."))
		select {
		case err := <-done:
			fmt.Fprint(a.out, "\r\033[K")
			return err
		case <-ticker.C:
		}
	}
}

// Package display renders pipeline progress to the terminal: one line per
// stage, a spinner while a stage runs on a TTY, and a final summary box.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/term"

	"github.com/kilnlabs/ciro/internal/engine"
	"github.com/kilnlabs/ciro/internal/state"
)

// Spinner frames using braille characters
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Printer writes stage progress. It implements engine.Events and is safe
// for concurrent use in parallel mode.
type Printer struct {
	out io.Writer
	tty bool

	mu       sync.Mutex
	spinMu   sync.Mutex // separate mutex for spinner to avoid deadlock
	spinning bool
	spinStop chan struct{}
	spinDone chan struct{}

	runStart time.Time
}

// NewPrinter creates a printer. The spinner only animates when out is a
// terminal.
func NewPrinter(out io.Writer) *Printer {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = term.IsTerminal(f.Fd())
	}
	return &Printer{out: out, tty: tty, runStart: time.Now()}
}

// RunHeader prints the banner for a new run.
func (p *Printer) RunHeader(hdr state.Header, stages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runStart = time.Now()

	lines := []string{
		StyleTitle.Render("ciro run ") + StyleAccent.Render(hdr.RunID),
		fmt.Sprintf("target: %s    variant: %s    stages: %d", hdr.Label, hdr.Variant, stages),
	}
	if hdr.Commit != "" {
		lines = append(lines, StyleMuted.Render("commit: "+hdr.Commit))
	}
	fmt.Fprintln(p.out, HeaderBox().Render(strings.Join(lines, "\n")))
}

// StageStarted implements engine.Events.
func (p *Printer) StageStarted(name string, attempt int) {
	p.mu.Lock()
	label := name
	if attempt > 1 {
		label = fmt.Sprintf("%s (attempt %d)", name, attempt)
	}
	fmt.Fprintf(p.out, "  %s %s\n", StyleInfo.Render("▶"), label)
	p.mu.Unlock()

	p.startSpinner(label)
}

// StageFinished implements engine.Events.
func (p *Printer) StageFinished(o engine.StageOutcome) {
	p.stopSpinner()

	p.mu.Lock()
	defer p.mu.Unlock()

	switch o.Status {
	case state.StatusSuccess:
		fmt.Fprintf(p.out, "  %s %s %s\n", GlyphSuccess, o.Name,
			StyleMuted.Render("("+formatElapsed(o.Duration)+")"))
	case state.StatusFailed:
		fmt.Fprintf(p.out, "  %s %s %s\n", GlyphFailed, o.Name,
			StyleError.Render(o.Cause))
		if o.StderrTail != "" {
			for _, line := range strings.Split(o.StderrTail, "\n") {
				fmt.Fprintf(p.out, "      %s\n", StyleMuted.Render(line))
			}
		}
	case state.StatusSkipped:
		fmt.Fprintf(p.out, "  %s %s %s\n", GlyphSkipped, o.Name,
			StyleMuted.Render(o.Cause))
	}
}

// StageRetrying implements engine.Events.
func (p *Printer) StageRetrying(name string, delay time.Duration, attempt, max int) {
	p.stopSpinner()

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "  %s %s: retrying in %s (attempt %d/%d)\n",
		GlyphWarned, name, delay.Round(time.Millisecond), attempt, max)
}

// Summary prints the final run box.
func (p *Printer) Summary(s engine.Summary) {
	p.stopSpinner()

	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.runStart).Round(time.Second)

	var counts struct{ ok, failed, skipped int }
	warned := 0
	for _, o := range s.Stages {
		switch o.Status {
		case state.StatusSuccess:
			counts.ok++
		case state.StatusFailed:
			counts.failed++
			if s.State == engine.RunCompleted {
				warned++
			}
		case state.StatusSkipped:
			counts.skipped++
		}
	}

	var lines []string
	switch {
	case s.State == engine.RunCompleted && warned > 0:
		lines = append(lines, StyleWarning.Render("completed with warnings"))
	case s.State == engine.RunCompleted:
		lines = append(lines, StyleSuccess.Render("completed"))
	default:
		lines = append(lines, StyleError.Render("aborted"))
		if s.First != nil {
			lines = append(lines, fmt.Sprintf("first failure: %s (exit %d)", s.First.Name, s.First.ExitCode))
		}
	}
	lines = append(lines, fmt.Sprintf("%d ok, %d failed, %d skipped in %s",
		counts.ok, counts.failed, counts.skipped, elapsed))

	box := SuccessBox()
	if s.State != engine.RunCompleted {
		box = ErrorBox()
	} else if warned > 0 {
		box = WarningBox()
	}
	fmt.Fprintln(p.out, box.Render(strings.Join(lines, "\n")))
}

// startSpinner begins the spinner on a TTY. No-op otherwise.
func (p *Printer) startSpinner(msg string) {
	if !p.tty {
		return
	}

	p.spinMu.Lock()
	if p.spinning {
		p.spinMu.Unlock()
		return
	}
	p.spinning = true
	p.spinStop = make(chan struct{})
	p.spinDone = make(chan struct{})
	stop, done := p.spinStop, p.spinDone
	p.spinMu.Unlock()

	start := time.Now()
	go func() {
		defer close(done)
		frame := 0
		first := true
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				fmt.Fprintf(p.out, "\033[1A\r\033[K")
				return
			case <-ticker.C:
				elapsed := formatElapsed(time.Since(start))
				if first {
					fmt.Fprintf(p.out, "    %s %s (%s)\n", spinnerFrames[frame], msg, elapsed)
					first = false
				} else {
					fmt.Fprintf(p.out, "\033[1A\r\033[K    %s %s (%s)\n", spinnerFrames[frame], msg, elapsed)
				}
				frame = (frame + 1) % len(spinnerFrames)
			}
		}
	}()
}

// stopSpinner stops the spinner and waits for its line to clear.
func (p *Printer) stopSpinner() {
	p.spinMu.Lock()
	if !p.spinning {
		p.spinMu.Unlock()
		return
	}
	p.spinning = false
	close(p.spinStop)
	p.spinMu.Unlock()
	<-p.spinDone
}

// formatElapsed formats duration with fixed width (always 6 chars like " 1.04s")
func formatElapsed(d time.Duration) string {
	secs := d.Seconds()
	if secs < 10 {
		return fmt.Sprintf("%5.2fs", secs)
	} else if secs < 100 {
		return fmt.Sprintf("%5.1fs", secs)
	}
	return fmt.Sprintf("%5.0fs", secs)
}

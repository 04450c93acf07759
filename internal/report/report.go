// Package report renders sync runs, validation results and computer
// listings for the terminal.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bngarren/ccsync-sub002/internal/computer"
	"github.com/bngarren/ccsync-sub002/internal/config"
	"github.com/bngarren/ccsync-sub002/internal/rules"
	ccsync "github.com/bngarren/ccsync-sub002/internal/sync"
)

var (
	successColor = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#66BB6A"}
	errorColor   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#EF5350"}
	warningColor = lipgloss.AdaptiveColor{Light: "#EF6C00", Dark: "#FFA726"}
	mutedColor   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
	headingColor = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
)

type styles struct {
	title   lipgloss.Style
	success lipgloss.Style
	err     lipgloss.Style
	warning lipgloss.Style
	muted   lipgloss.Style
	item    lipgloss.Style
	detail  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Foreground(headingColor).Bold(true),
		success: r.NewStyle().Foreground(successColor).Bold(true),
		err:     r.NewStyle().Foreground(errorColor).Bold(true),
		warning: r.NewStyle().Foreground(warningColor).Bold(true),
		muted:   r.NewStyle().Foreground(mutedColor),
		item:    r.NewStyle().PaddingLeft(2),
		detail:  r.NewStyle().PaddingLeft(6),
	}
}

// Printer writes styled output. Colors are dropped when w is not a
// terminal.
type Printer struct {
	w io.Writer
	s styles
}

// New creates a printer for w.
func New(w io.Writer) *Printer {
	return &Printer{w: w, s: newStyles(lipgloss.NewRenderer(w))}
}

func (p *Printer) line(s string) {
	_, _ = fmt.Fprintln(p.w, s)
}

// Sync renders the outcome of a run.
func (p *Printer) Sync(rep *ccsync.Report) {
	if rep.DryRun {
		p.plan(rep)
	} else {
		p.copies(rep)
	}
	p.problems(rep.ResolutionErrors, rep.MissingComputers)
	p.summary(rep)
}

func (p *Printer) copies(rep *ccsync.Report) {
	if rep.Empty() {
		if rep.ChangedFiles > 0 {
			p.line(p.s.muted.Render("No rules matched the changed files"))
		} else {
			p.line(p.s.muted.Render("Nothing to sync"))
		}
		return
	}

	for _, c := range rep.Computers {
		res := c.Result
		mark := p.s.success.Render("✓")
		if !res.Success() {
			mark = p.s.err.Render("✗")
		}
		counts := fmt.Sprintf("%d copied", len(res.CopiedFiles))
		if n := len(res.SkippedFiles); n > 0 {
			counts += fmt.Sprintf(", %d skipped", n)
		}
		p.line(p.s.item.Render(fmt.Sprintf("%s computer %s  %s  %s",
			mark, c.Computer.ID, p.s.muted.Render(c.Computer.ShortPath), counts)))
		for _, msg := range res.Errors {
			p.line(p.s.detail.Render(p.s.err.Render("✗") + " " + msg))
		}
	}
}

func (p *Printer) plan(rep *ccsync.Report) {
	p.line(p.s.title.Render("Dry run: no files will be written"))
	if len(rep.Planned) == 0 {
		p.line(p.s.muted.Render("Nothing to sync"))
		return
	}
	for _, cp := range rep.Planned {
		p.line(p.s.item.Render(fmt.Sprintf("computer %s  %s", cp.Computer.ID, p.s.muted.Render(cp.Computer.ShortPath))))
		for _, op := range cp.Copies {
			if op.Err != nil {
				p.line(p.s.detail.Render(p.s.err.Render("✗") + " " + op.Err.Error()))
				continue
			}
			p.line(p.s.detail.Render(fmt.Sprintf("%s -> %s", op.Source, op.Target)))
		}
	}
}

func (p *Printer) problems(resolution, missing []string) {
	if len(resolution) > 0 {
		p.line(p.s.warning.Render("Rule errors:"))
		for _, msg := range resolution {
			p.line(p.s.item.Render("• " + msg))
		}
	}
	if len(missing) > 0 {
		p.line(p.s.warning.Render("Missing computers:") + " " + strings.Join(missing, ", "))
	}
}

func (p *Printer) summary(rep *ccsync.Report) {
	if rep.DryRun {
		planned := 0
		for _, cp := range rep.Planned {
			planned += len(cp.Copies)
		}
		p.line(fmt.Sprintf("%d planned, %d rejected", planned-rep.Skipped(), rep.Skipped()))
		return
	}

	text := fmt.Sprintf("Sync complete: %d copied, %d skipped in %s",
		rep.Copied(), rep.Skipped(), rep.Duration.Round(time.Millisecond))
	if rep.HasErrors() {
		p.line(p.s.warning.Render(text))
		return
	}
	p.line(p.s.success.Render(text))
}

// Validation renders a resolution without copying.
func (p *Printer) Validation(result rules.ValidationResult, missing []string) {
	p.problems(result.Errors, missing)
	if result.HasErrors() || len(missing) > 0 {
		p.line(p.s.err.Render(fmt.Sprintf("Config has %d problem(s)", len(result.Errors)+len(missing))))
		return
	}
	p.line(p.s.success.Render(fmt.Sprintf("Config OK: %d file(s) resolved for %d computer(s)",
		len(result.ResolvedFileRules), len(result.AvailableComputers))))
}

// Computers lists discovered computers with the groups that name them.
func (p *Printer) Computers(computers []computer.Computer, cfg *config.Config) {
	if len(computers) == 0 {
		p.line(p.s.muted.Render("No computers found in save"))
		return
	}

	memberOf := make(map[string][]string)
	for key, g := range cfg.ComputerGroups {
		for _, id := range g.Computers {
			memberOf[strings.TrimSpace(id)] = append(memberOf[strings.TrimSpace(id)], key)
		}
	}

	p.line(p.s.title.Render(fmt.Sprintf("%d computer(s)", len(computers))))
	for _, c := range computers {
		groups := memberOf[c.ID]
		sort.Strings(groups)
		text := fmt.Sprintf("%-8s %s", c.ID, p.s.muted.Render(c.ShortPath))
		if len(groups) > 0 {
			text += "  [" + strings.Join(groups, ", ") + "]"
		}
		p.line(p.s.item.Render(text))
	}
}

// Error renders a fatal error.
func (p *Printer) Error(err error) {
	p.line(p.s.err.Render("Error:") + " " + err.Error())
}

package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"charm.land/lipgloss/v2"

	"github.com/agent462/relay/internal/executor"
)

// Color palette.
var (
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4672")
	colorYellow = lipgloss.Color("#FDFF90")
	colorCyan   = lipgloss.Color("#00E5FF")
	colorSubtle = lipgloss.Color("#626262")
)

var (
	headerNorm   = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	headerDiffer = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	headerError  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	endpointText = lipgloss.NewStyle().Foreground(colorCyan)
	stderrText   = lipgloss.NewStyle().Foreground(colorRed)
	summaryText  = lipgloss.NewStyle().Foreground(colorSubtle)
)

// Formatter renders a Report as text or JSON.
type Formatter struct {
	Color      bool
	ErrorsOnly bool // skip groups with an expected exit code
}

// Text renders r for a terminal.
func (f *Formatter) Text(r *Report) string {
	var b strings.Builder

	for _, g := range r.Groups {
		if f.ErrorsOnly && g.Expected {
			continue
		}
		f.writeGroup(&b, &g, len(r.Groups))
		b.WriteString("\n")
	}
	for _, fl := range r.Failed {
		f.writeFailure(&b, fl, "failed")
		b.WriteString("\n")
	}
	for _, fl := range r.TimedOut {
		f.writeFailure(&b, fl, "timed out")
		b.WriteString("\n")
	}

	b.WriteString(f.render(summaryText, f.summaryLine(r)))
	b.WriteString("\n")
	return b.String()
}

func (f *Formatter) writeGroup(b *strings.Builder, g *OutputGroup, totalGroups int) {
	n := len(g.Endpoints)
	word := plural(n, "target", "targets")

	switch {
	case !g.Expected:
		b.WriteString(f.render(headerError, fmt.Sprintf(" %d %s exited with code %d:", n, word, g.ExitCode)))
	case g.IsNorm:
		label := fmt.Sprintf(" %d %s identical:", n, word)
		if totalGroups == 1 && n == 1 {
			label = fmt.Sprintf(" %d %s:", n, word)
		}
		b.WriteString(f.render(headerNorm, label))
	default:
		b.WriteString(f.render(headerDiffer, fmt.Sprintf(" %d %s %s:", n, word, plural(n, "differs", "differ"))))
	}
	b.WriteString("\n")

	names := make([]string, n)
	for i, ep := range g.Endpoints {
		names[i] = ep.String()
	}
	b.WriteString("   ")
	b.WriteString(f.render(endpointText, strings.Join(names, ", ")))
	b.WriteString("\n")

	for _, line := range lines(g.Stdout) {
		b.WriteString("   ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	for _, line := range lines(g.Stderr) {
		b.WriteString("   ")
		b.WriteString(f.render(stderrText, "stderr: "+line))
		b.WriteString("\n")
	}
}

func (f *Formatter) writeFailure(b *strings.Builder, fl Failure, what string) {
	b.WriteString(f.render(headerError, " 1 target "+what+":"))
	b.WriteString("\n   ")
	b.WriteString(f.render(endpointText, fl.Endpoint.String()))
	msg := "unknown error"
	if fl.Err != nil {
		msg = strings.ReplaceAll(fl.Err.Error(), "\n", "\n   ")
	}
	fmt.Fprintf(b, " (%s)\n", msg)
}

func (f *Formatter) summaryLine(r *Report) string {
	succeeded, unexpected, failed, timedOut := r.Counts()
	parts := []string{fmt.Sprintf("%d succeeded", succeeded)}
	if unexpected > 0 {
		parts = append(parts, fmt.Sprintf("%d unexpected exit", unexpected))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if timedOut > 0 {
		parts = append(parts, fmt.Sprintf("%d timeout", timedOut))
	}
	return strings.Join(parts, ", ")
}

func (f *Formatter) render(s lipgloss.Style, text string) string {
	if !f.Color {
		return text
	}
	return s.Render(text)
}

// JSONResult is one endpoint in the JSON rendering.
type JSONResult struct {
	Endpoint string `json:"endpoint"`
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int   `json:"exit_code"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// JSON serializes results and per-endpoint errors as an array sorted by
// endpoint. Endpoints without a result carry their error and a null exit code.
func JSON(results map[executor.Endpoint]*executor.Result, errs map[executor.Endpoint]error) ([]byte, error) {
	all := make(map[executor.Endpoint]struct{}, len(results)+len(errs))
	for ep := range results {
		all[ep] = struct{}{}
	}
	for ep := range errs {
		all[ep] = struct{}{}
	}

	out := make([]JSONResult, 0, len(all))
	for _, ep := range sortEndpoints(all) {
		jr := JSONResult{Endpoint: ep.String()}
		if res, ok := results[ep]; ok {
			jr.Command = res.Command()
			jr.Stdout = string(res.StdoutBytes())
			jr.Stderr = string(res.StderrBytes())
			if code, ok := res.ExitCode(); ok {
				jr.ExitCode = &code
			}
			jr.Duration = res.Duration().Round(time.Millisecond).String()
		}
		if err, ok := errs[ep]; ok {
			jr.Error = err.Error()
		}
		out = append(out, jr)
	}
	return json.MarshalIndent(out, "", "  ")
}

func lines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

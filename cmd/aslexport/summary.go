package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/ayusman/aslexport/internal/app"
	"github.com/ayusman/aslexport/internal/store"
)

var (
	brandPrimary = lipgloss.Color("#7C3AED")
	brandAccent  = lipgloss.Color("#10B981")
	brandWarning = lipgloss.Color("#F59E0B")
	brandError   = lipgloss.Color("#EF4444")
	textMuted    = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Foreground(brandPrimary).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(brandAccent).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(brandError).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(brandWarning)

	dimStyle = lipgloss.NewStyle().
			Foreground(textMuted)
)

func field(label, value string) string {
	return fmt.Sprintf("  %s %s\n", dimStyle.Render(fmt.Sprintf("%-14s", label+":")), value)
}

// renderReport formats a successful run for the terminal.
func renderReport(r *app.Report) string {
	var b strings.Builder

	b.WriteString(successStyle.Render("Export complete") + "\n")
	b.WriteString(field("Model", fmt.Sprintf("%s (%s, %s)", r.ModelPath, r.ModelFormat, humanize.Bytes(uint64(r.ModelSize)))))
	b.WriteString(field("Web model", fmt.Sprintf("%s (%d shards, %s)", r.WebModelDir, r.Shards, humanize.Bytes(uint64(r.BundleBytes)))))
	b.WriteString(field("Params", r.ParamsPath))
	b.WriteString(field("Features", fmt.Sprintf("%d", r.FeatureCount)))
	b.WriteString(field("Classes", fmt.Sprintf("%d (%s)", len(r.ClassNames), strings.Join(r.ClassNames, " "))))
	b.WriteString(field("Source", string(r.ParamsSource)))
	b.WriteString(field("Took", r.Duration.Round(time.Millisecond).String()))
	if r.Recorded {
		b.WriteString(field("Run ID", r.ID))
	}

	if len(r.Warnings) > 0 {
		b.WriteString("\n" + warningStyle.Render(fmt.Sprintf("%d warning(s):", len(r.Warnings))) + "\n")
		for _, w := range r.Warnings {
			b.WriteString(warningStyle.Render("  ! "+w) + "\n")
		}
	}
	return b.String()
}

// renderFailure formats a fatal error, naming the stage when known.
func renderFailure(err error) string {
	var stageErr *app.StageError
	if errors.As(err, &stageErr) {
		return errorStyle.Render("Export failed while trying to "+string(stageErr.Stage)+":") + "\n  " + stageErr.Err.Error()
	}
	return errorStyle.Render("Export failed:") + "\n  " + err.Error()
}

// renderHistory lists recorded exports, newest first.
func renderHistory(exports []*store.Export, ledger string, now time.Time) string {
	if len(exports) == 0 {
		return dimStyle.Render("No exports recorded in "+ledger+" yet.") + "\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d recorded export(s)", len(exports))) + " " + dimStyle.Render(ledger) + "\n")
	for _, e := range exports {
		status := successStyle.Render("ok")
		if e.Degraded {
			status = warningStyle.Render("defaults")
		}
		digest := e.ModelSHA256
		if len(digest) > 12 {
			digest = digest[:12]
		}
		b.WriteString(fmt.Sprintf("\n%s  %s  %s\n",
			dimStyle.Render(humanize.RelTime(e.CreatedAt, now, "ago", "from now")), status, e.ID))
		b.WriteString(field("Model", fmt.Sprintf("%s (%s, sha256 %s)", e.ModelPath, e.ModelFormat, digest)))
		b.WriteString(field("Web model", fmt.Sprintf("%s (%d shards, %s)", e.WebModelDir, e.ShardCount, humanize.Bytes(uint64(e.BundleBytes)))))
		b.WriteString(field("Params", fmt.Sprintf("%s (%d features, %d classes)", e.ParamsPath, e.FeatureCount, e.ClassCount)))
		for _, w := range e.Warnings {
			b.WriteString(warningStyle.Render("  ! "+w) + "\n")
		}
	}
	return b.String()
}

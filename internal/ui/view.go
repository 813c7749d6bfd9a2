package ui

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func (m Model) render() string {
	styles := m.theme.Styles()
	snap := m.snapshot

	var b strings.Builder
	b.WriteString(m.renderHeader(styles))
	b.WriteString("\n\n")

	rows := [][2]string{
		{"Port", m.portText(styles)},
		{"Cached", optionalPort(snap.Cache.Port, styles)},
	}
	if snap.Server.ConsecutiveFailures > 0 {
		rows = append(rows, [2]string{"Failures", styles.WarningText.Render(
			fmt.Sprintf("%d  retry in %s", snap.Server.ConsecutiveFailures, formatBackoff(snap.Server.Backoff)))})
	}
	if snap.Server.LastError != "" {
		rows = append(rows, [2]string{"Error", styles.DangerText.Render(truncate(snap.Server.LastError, 48))})
	}
	if !snap.Server.LastChecked.IsZero() {
		rows = append(rows, [2]string{"Checked", styles.FaintText.Render(snap.Server.LastChecked.Format("15:04:05"))})
	}
	rows = append(rows,
		[2]string{"Button", m.buttonText(styles)},
		[2]string{"Downloads", styles.Text.Render(fmt.Sprintf("%d queued, %d active", len(snap.Downloads.Queue), len(snap.Downloads.Active)))},
	)
	for _, row := range rows {
		b.WriteString(styles.Label.Render(row[0]))
		b.WriteString(row[1])
		b.WriteString("\n")
	}

	if scan := m.renderScan(styles); scan != "" {
		b.WriteString("\n")
		b.WriteString(scan)
		b.WriteString("\n")
	}
	if m.editing {
		b.WriteString("\n")
		b.WriteString(m.renderPortForm(styles))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString("\n")
		if m.noticeErr {
			b.WriteString(styles.DangerText.Render(m.notice))
		} else {
			b.WriteString(styles.InfoText.Render(m.notice))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.editing {
		b.WriteString(m.help.View(editKeys{m.keys}))
	} else {
		b.WriteString(m.help.View(m.keys))
	}

	return styles.Frame.Render(b.String())
}

func (m Model) renderHeader(styles Styles) string {
	status := m.snapshot.Server.Status
	badge := styles.StatusStyle(status).Render(strings.ToUpper(string(status)))
	if m.snapshot.Server.ScanInProgress {
		badge = m.spinner.View() + " " + badge
	}
	title := styles.Title.Render("tether")
	gap := strings.Repeat(" ", max(1, m.contentWidth()-lipgloss.Width(title)-lipgloss.Width(badge)))
	return title + gap + badge
}

func (m Model) renderScan(styles Styles) string {
	scan := m.snapshot.Server.Scan
	if scan == nil {
		return ""
	}
	label := "Scanning"
	if scan.Forced {
		label = "Full scan"
	}
	progress := scan.Progress
	if progress.Total == 0 {
		return styles.Label.Render(label) + styles.FaintText.Render("starting...")
	}
	return styles.Label.Render(label) +
		m.progress.ViewAs(progress.Percent()/100) +
		styles.FaintText.Render(fmt.Sprintf(" %d/%d", progress.Current, progress.Total))
}

func (m Model) renderPortForm(styles Styles) string {
	out := styles.Input.Render(m.portInput.View())
	errs := m.snapshot.Form.Errors
	for _, field := range slices.Sorted(maps.Keys(errs)) {
		out += "\n" + styles.DangerText.Render(errs[field])
	}
	return out
}

func (m Model) portText(styles Styles) string {
	port, ok := m.snapshot.Server.PortValue()
	if !ok || !m.snapshot.Connected() {
		return styles.FaintText.Render("-")
	}
	return styles.SuccessText.Render(fmt.Sprint(port))
}

func (m Model) buttonText(styles Styles) string {
	ui := m.snapshot.UI
	if !ui.ButtonVisible {
		return styles.FaintText.Render("hidden")
	}
	return styles.Text.Render(fmt.Sprintf("shown at %d,%d", ui.ButtonPosition.X, ui.ButtonPosition.Y))
}

func (m Model) contentWidth() int {
	if m.width <= 0 {
		return 44
	}
	return max(24, min(60, m.width-4))
}

func optionalPort(p *int, styles Styles) string {
	if p == nil {
		return styles.FaintText.Render("-")
	}
	return styles.Text.Render(fmt.Sprint(*p))
}

func formatBackoff(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}
	return d.Round(time.Second).String()
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit || limit < 2 {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

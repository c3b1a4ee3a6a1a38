package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/notebase/internal/search"
	"github.com/kalambet/notebase/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func formatCounts(c storage.QueueCounts) string {
	return fmt.Sprintf("%d queued, %d running, %d retry, %d completed, %d failed",
		c.Queued, c.Running, c.Retry, c.Completed, c.Failed)
}

func printNote(w io.Writer, n storage.Note) {
	fmt.Fprintf(w, "%s  %s\n", colorize(colorBold, n.ID), colorize(statusColor(n.Status), n.Status))
	fmt.Fprintf(w, "  revision: %d\n", n.Revision)
	fmt.Fprintf(w, "  source:   %s", n.SourceType)
	switch {
	case n.SourceURL != "":
		fmt.Fprintf(w, " (%s)", n.SourceURL)
	case n.Attachment.Name != "":
		fmt.Fprintf(w, " (%s)", n.Attachment.Name)
	}
	fmt.Fprintln(w)
	if n.Project != "" {
		fmt.Fprintf(w, "  project:  %s\n", n.Project)
	}
	if len(n.Tags) > 0 {
		fmt.Fprintf(w, "  tags:     %s\n", strings.Join(n.Tags, ", "))
	}
	if n.Summary != "" {
		fmt.Fprintf(w, "  summary:  %s\n", n.Summary)
	}
	if n.Content != "" {
		fmt.Fprintf(w, "\n%s\n", n.Content)
	}
}

func printCitations(w io.Writer, resp search.Response) {
	if len(resp.Citations) == 0 {
		fmt.Fprintln(w, "No results.")
		return
	}
	for _, c := range resp.Citations {
		title := c.Note.Summary
		if title == "" {
			title = c.Note.ID
		}
		score := ""
		if resp.Ranked {
			score = fmt.Sprintf("[%.3f] ", c.Score)
		}
		fmt.Fprintf(w, "%d. %s%s\n", c.Rank, score, colorize(colorBold, title))
		var meta []string
		if c.Note.Project != "" {
			meta = append(meta, c.Note.Project)
		}
		for _, t := range c.Note.Tags {
			meta = append(meta, "#"+t)
		}
		meta = append(meta, c.Note.ID)
		fmt.Fprintf(w, "   %s\n", colorize(colorCyan, strings.Join(meta, " ")))
		if c.Note.Excerpt != "" {
			fmt.Fprintf(w, "   %s\n", c.Note.Excerpt)
		}
	}
}

func statusColor(status string) string {
	switch status {
	case storage.NoteStatusReady:
		return colorGreen
	case storage.NoteStatusFailed:
		return colorRed
	default:
		return colorYellow
	}
}

package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// renderMarkdownTail dresses up the prose the model wrote around the
// document. The document itself goes to stdout untouched; the tail is
// commentary and lands on stderr, styled only when stderr is a terminal.
// Any rendering failure degrades to the raw text.
func renderMarkdownTail(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return text
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(tailWidth()),
		glamour.WithEmoji(),
	)
	if err != nil {
		return text
	}
	styled, err := renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(styled, "\n")
}

// tailWidth picks a wrap column from the terminal, capped for readability.
func tailWidth() int {
	width := 80
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 0 {
		width = w - 4
	}
	if width > 120 {
		width = 120
	}
	if width < 20 {
		width = 20
	}
	return width
}

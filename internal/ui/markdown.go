package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// RenderMarkdown writes md to stdout, styled for the terminal.
func RenderMarkdown(md string) {
	renderMarkdown(os.Stdout, md)
}

func renderMarkdown(w io.Writer, md string) {
	style := glamour.WithAutoStyle()
	if lipgloss.ColorProfile() == termenv.Ascii {
		style = glamour.WithStandardStyle("notty")
	}
	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(100))
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}

	out, err := renderer.Render(md)
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}
	fmt.Fprint(w, out)
}

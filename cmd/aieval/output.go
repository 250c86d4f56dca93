package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"aieval/pkg/protocol"
)

// Output formats accepted by --output.
const (
	outputAuto = "auto"
	outputText = "text"
	outputJSON = "json"
)

const defaultWidth = 100

// printer writes command results as JSON or as human text.
type printer struct {
	w     io.Writer
	json  bool
	tty   bool
	color bool
	width int
}

func newPrinter(cmd *cobra.Command) (*printer, error) {
	w := cmd.OutOrStdout()
	format, _ := cmd.Flags().GetString("output")
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		format = outputJSON
	}

	p := &printer{w: w, width: defaultWidth}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		p.tty = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		if width, _, err := term.GetSize(int(fd)); err == nil && width > 0 { //nolint:gosec // fd fits in int
			p.width = width
		}
	}
	p.color = p.tty && os.Getenv("NO_COLOR") == ""

	switch format {
	case outputJSON:
		p.json = true
	case outputText:
	case outputAuto, "":
		p.json = !p.tty
	default:
		return nil, protocol.NewValidation("output", format, "must be auto, text or json")
	}
	return p, nil
}

// emit writes v as indented JSON, or calls text for human output.
func (p *printer) emit(v any, text func(w io.Writer)) error {
	if !p.json {
		text(p.w)
		return nil
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func (p *printer) paint(s string, attrs ...color.Attribute) string {
	c := color.New(attrs...)
	if p.color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

func (p *printer) good(s string) string  { return p.paint(s, color.FgGreen) }
func (p *printer) warn(s string) string  { return p.paint(s, color.FgYellow) }
func (p *printer) bad(s string) string   { return p.paint(s, color.FgRed) }
func (p *printer) muted(s string) string { return p.paint(s, color.FgHiBlack) }
func (p *printer) bold(s string) string  { return p.paint(s, color.Bold) }

// markdown writes md, rendered for the terminal when stdout is one.
func (p *printer) markdown(md string) {
	if !p.tty {
		fmt.Fprint(p.w, md)
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(p.width),
	)
	if err != nil {
		fmt.Fprint(p.w, md)
		return
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Fprint(p.w, md)
		return
	}
	fmt.Fprint(p.w, out)
}

// newTabWriter returns a tabwriter for aligned columns; callers must Flush it.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func statusColor(p *printer, s protocol.SessionStatus) string {
	switch s {
	case protocol.StatusCompleted:
		return p.good(string(s))
	case protocol.StatusFailed:
		return p.bad(string(s))
	default:
		return p.warn(string(s))
	}
}

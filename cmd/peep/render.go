package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/splax/localvercel/internal/logstream"
	"github.com/splax/localvercel/internal/realtime"
	"github.com/splax/localvercel/internal/session"
)

// printer writes session output for a human. Styling is applied only when
// the output is a terminal.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	styled bool

	prompt  lipgloss.Style
	muted   lipgloss.Style
	link    lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
}

func newPrinter(out io.Writer, styled bool) *printer {
	return &printer{
		out:     out,
		styled:  styled,
		prompt:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		muted:   lipgloss.NewStyle().Faint(true),
		link:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Underline(true),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		failure: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

func (p *printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func (p *printer) log(entry logstream.Entry) {
	p.println(p.render(p.prompt, ">") + " " + entry.Text)
}

func (p *printer) info(msg string) {
	p.println(p.render(p.muted, msg))
}

func (p *printer) state(state realtime.ConnectionState) {
	p.println(p.render(p.muted, "stream: "+state.String()))
}

func (p *printer) notify(n session.Notification) {
	if n.Kind == session.NotifySuccess {
		p.println(p.render(p.success, n.Message))
		return
	}
	line := p.render(p.failure, n.Message)
	if n.Err != nil {
		line += " " + p.render(p.muted, "("+n.Err.Error()+")")
	}
	p.println(line)
}

func (p *printer) preview(slug, url string) {
	p.println(fmt.Sprintf("project %s preview: %s", slug, p.render(p.link, url)))
}

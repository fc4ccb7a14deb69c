package main

import (
	"fmt"
	"io"
	"sync"

	"sessionSync/backend/internal/session"
)

// printer 串行化回调里的输出
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer { return &printer{out: out} }

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) message(m session.Message) {
	who := string(m.UserID)
	if m.User != nil && m.User.Name != "" {
		who = m.User.Name
	}
	p.printf("[%s] %s", who, m.Content)
}

func (p *printer) presence(verb string, pr session.Presence) {
	who := string(pr.UserID)
	if pr.User != nil && pr.User.Name != "" {
		who = fmt.Sprintf("%s (%s)", pr.User.Name, pr.UserID)
	}
	p.printf("* %s %s", who, verb)
}

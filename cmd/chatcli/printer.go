package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"supportchat/internal/models"
)

// streamPrinter echoes the growing reply of one session as it streams in.
type streamPrinter struct {
	out io.Writer

	mu      sync.Mutex
	session string
	printed string
}

func (p *streamPrinter) begin(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = sessionID
	p.printed = ""
	fmt.Fprintf(p.out, "[%s] ", models.RoleModel)
}

func (p *streamPrinter) observe(sessionID string, msg models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionID != p.session {
		return
	}
	if strings.HasPrefix(msg.Text, p.printed) {
		fmt.Fprint(p.out, msg.Text[len(p.printed):])
	} else {
		// the reply was replaced, e.g. by the error text
		fmt.Fprintf(p.out, "\n%s", msg.Text)
	}
	p.printed = msg.Text
}

func (p *streamPrinter) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = ""
	fmt.Fprintln(p.out)
}

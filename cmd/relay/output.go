package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/monitor"
)

// eventPrinter writes one JSON line per event. Handlers for different
// recipients run concurrently, so writes are serialized.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{w: w}
}

func (p *eventPrinter) print(recipient string, evt *contracts.Event, decoded any) error {
	line, err := encodeLine(printedEvent{Recipient: recipient, Event: evt, Decoded: decoded})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(line)
	return err
}

type statusRow struct {
	queue     monitor.QueueInfo
	providers []string
}

func printStatus(w io.Writer, rows []statusRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No recipient queues found")
		return
	}

	fmt.Fprintf(w, "%-30s %-10s %-10s %-10s %s\n", "Queue", "Ready", "Unacked", "Consumers", "Schedule providers")
	fmt.Fprintln(w, strings.Repeat("-", 90))

	for _, r := range rows {
		providers := "-"
		if len(r.providers) > 0 {
			providers = strings.Join(r.providers, ", ")
		}
		fmt.Fprintf(w, "%-30s %-10d %-10d %-10d %s\n",
			truncate(r.queue.Name, 30),
			r.queue.MessagesReady,
			r.queue.MessagesUnacked,
			r.queue.Consumers,
			providers,
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

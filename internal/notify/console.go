package notify

import (
	"io"
	"sync"

	"github.com/fatih/color"
)

// Console prints each message as a tinted line, the terminal stand-in for
// the door display.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Put(m Message) {
	paint := color.RGB(int(m.Color[0]), int(m.Color[1]), int(m.Color[2]))

	c.mu.Lock()
	defer c.mu.Unlock()
	paint.Fprintf(c.out, "%s  %s\n", m.Timestamp.Format("15:04:05"), m.Text)
}

package utils

import (
	"io"
	"sync"

	"github.com/fatih/color"
)

var colors = []color.Attribute{color.FgYellow, color.FgGreen, color.FgCyan, color.FgWhite, color.FgMagenta}

var (
	l     sync.Mutex
	index int
)

const MaxNameLength = 32

// ColorLogger provides an io.Writer that prefixes every write with the job
// instance name in a stable color, so interleaved matrix-entry logs stay
// readable.
type ColorLogger struct {
	name   string
	writer io.Writer
	c      color.Attribute
}

// NewColorLogger returns a prefixed writer. With newColor set the next color
// in the palette is claimed, otherwise the current one is reused so a job's
// stdout and stderr share a color.
func NewColorLogger(name string, writer io.Writer, newColor bool) io.Writer {
	l.Lock()
	defer l.Unlock()
	if newColor {
		index = (index + 1) % len(colors)
	}

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength-3] + "..."
	}

	return &ColorLogger{
		name:   name,
		writer: writer,
		c:      colors[index],
	}
}

func (c *ColorLogger) Write(p []byte) (int, error) {
	out := color.New(c.c)
	out.Fprint(c.writer, c.name, " | ")
	return out.Fprintf(c.writer, "%s", p)
}

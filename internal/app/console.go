package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// console is the line interface of the confessor and priest roles. Output
// may come from store callbacks, so writes are serialised.
type console struct {
	mu  sync.Mutex
	out io.Writer

	lines chan string
}

func newConsole(in io.Reader, out io.Writer) *console {
	c := &console{out: out, lines: make(chan string)}
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
	return c
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// readLine waits for the next input line. ok is false once input ends or
// ctx is done.
func (c *console) readLine(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case l, ok := <-c.lines:
		return strings.TrimSpace(l), ok
	}
}

// ask prints a prompt and reads the answer, falling back to def on an
// empty line.
func (c *console) ask(ctx context.Context, label, def string) (string, bool) {
	if def != "" {
		c.printf("%s [%s]:", label, def)
	} else {
		c.printf("%s:", label)
	}
	l, ok := c.readLine(ctx)
	if !ok {
		return "", false
	}
	if l == "" {
		return def, true
	}
	return l, true
}

type command struct {
	name string
	args string
}

func parseCommand(line string) command {
	name, args, _ := strings.Cut(strings.TrimSpace(line), " ")
	return command{name: strings.ToLower(name), args: strings.TrimSpace(args)}
}

// loop reads commands until quit, end of input or ctx. handle returns
// false to stop.
func (c *console) loop(ctx context.Context, handle func(command) bool) {
	for {
		l, ok := c.readLine(ctx)
		if !ok {
			return
		}
		if l == "" {
			continue
		}
		cmd := parseCommand(l)
		if cmd.name == "quit" || cmd.name == "exit" {
			return
		}
		if !handle(cmd) {
			return
		}
	}
}

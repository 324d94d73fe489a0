package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/udisondev/punishd/internal/model"
)

// Console reads commands from a stream and runs them as the console operator,
// which holds every permission.
type Console struct {
	handler *Handler

	mu  sync.Mutex
	out io.Writer
}

// New creates a Console writing to out.
func New(h *Handler, out io.Writer) *Console {
	return &Console{handler: h, out: out}
}

func (c *Console) Name() string {
	return "console"
}

func (c *Console) Operator() model.Operator {
	return model.ConsoleOperator()
}

func (c *Console) HasPermission(string) bool {
	return true
}

// SendMessage prints msg on its own line.
func (c *Console) SendMessage(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, msg)
}

// Run executes one command per input line until in is exhausted or ctx is
// cancelled.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("reading console input: %w", err)
					}
				default:
				}
				return nil
			}
			c.handler.Dispatch(ctx, c, line)
		}
	}
}

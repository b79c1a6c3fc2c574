package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// consoleOperator prompts on out and waits for a line on in
type consoleOperator struct {
	out io.Writer

	mu    sync.Mutex
	lines chan error
	in    *bufio.Reader
}

func newConsoleOperator(in io.Reader, out io.Writer) *consoleOperator {
	return &consoleOperator{out: out, in: bufio.NewReaderSize(in, 16)}
}

// Confirm prints prompt and returns when enter is pressed or ctx ends.
// A read abandoned by ctx is picked up by the next Confirm.
func (o *consoleOperator) Confirm(ctx context.Context, prompt string) error {
	fmt.Fprint(o.out, prompt)

	o.mu.Lock()
	if o.lines == nil {
		o.lines = make(chan error, 1)
		go func(lines chan<- error) {
			_, err := o.in.ReadString('\n')
			lines <- err
		}(o.lines)
	}
	lines := o.lines
	o.mu.Unlock()

	select {
	case err := <-lines:
		o.mu.Lock()
		o.lines = nil
		o.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		return nil
	case <-ctx.Done():
		fmt.Fprintln(o.out)
		return ctx.Err()
	}
}

func (o *consoleOperator) Notify(msg string) {
	fmt.Fprintln(o.out, msg)
}

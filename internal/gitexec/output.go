package gitexec

import (
	"bytes"
	"sync"
)

// outputBudget is a byte allowance shared by the stdout and stderr writers of
// one command. Bytes past the allowance are discarded.
type outputBudget struct {
	mu        sync.Mutex
	remaining int
	truncated bool
}

func newOutputBudget(limit int) *outputBudget {
	return &outputBudget{remaining: limit}
}

// take reserves up to n bytes and returns how many may be kept.
func (b *outputBudget) take(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.remaining {
		b.truncated = true
		n = b.remaining
	}
	b.remaining -= n
	return n
}

func (b *outputBudget) wasTruncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// cappedBuffer collects one stream. Write always reports success so the
// child process is never blocked or killed by a full buffer.
type cappedBuffer struct {
	budget *outputBudget
	buf    bytes.Buffer
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if keep := c.budget.take(len(p)); keep > 0 {
		c.buf.Write(p[:keep])
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

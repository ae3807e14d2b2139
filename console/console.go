// Package console implements a minimal line-discipline device (spec.md
// §1/§6 names it only as an external interface): an input ring buffer fed
// a byte at a time by Intr, and Read that blocks a reading process until a
// full line has arrived. Full line editing (backspace, ^U, ^D) is
// explicitly out of scope per spec.md §1; see original_source's
// console.c for the editing this drops.
package console

import (
	"fmt"
	"io"

	"github.com/Sheng99100/SeedOS/proc"
	"github.com/Sheng99100/SeedOS/spinlock"
)

// InputBufSize bounds how much unread input the ring can hold before Intr
// starts dropping bytes, mirroring INPUT_BUF_SIZE.
const InputBufSize = 128

// EOF is the end-of-file control character, ^D (Control-x == x-'@').
const EOF = 'D' - '@'

// Console is the console device: an input ring (r/w/e indices growing
// without ever wrapping except via the modulo on access, exactly as
// cons.r/w/e do) guarded by Lock, and a passthrough output sink for Write.
type Console struct {
	table *proc.Table
	out   io.Writer

	Lock    spinlock.Spinlock
	buf     [InputBufSize]byte
	r, w, e int
}

// New returns a Console that writes passed-through output to out (os.Stdout
// in a real boot).
func New(t *proc.Table, out io.Writer) *Console {
	return &Console{table: t, out: out}
}

// Intr is the bottom half: the device driver's interrupt handler hands it
// one input byte at a time (consoleintr(), editing stripped). A full line
// (or EOF, or a full buffer) wakes any process blocked in Read.
func (cons *Console) Intr(c *proc.CPU, b byte) {
	cons.Lock.Acquire(c)
	defer cons.Lock.Release(c)

	if cons.e-cons.r >= InputBufSize {
		return // input ring full; drop, matching the original's same check
	}
	if b == '\r' {
		b = '\n'
	}
	cons.buf[cons.e%InputBufSize] = b
	cons.e++

	if b == '\n' || b == EOF || cons.e-cons.r == InputBufSize {
		cons.w = cons.e
		cons.table.Wakeup(c, &cons.r)
	}
}

// Read copies up to one line (or until EOF) into dst, blocking until input
// is available. Mirrors consoleread() with the user/kernel destination
// distinction dropped: dst is always a kernel-side buffer here.
func (cons *Console) Read(p *proc.Process, c *proc.CPU, dst []byte) (int, *proc.CPU, error) {
	target := len(dst)
	cons.Lock.Acquire(c)
	n := 0
	for n < target {
		for cons.r == cons.w {
			if proc.Killed(p, c) {
				cons.Lock.Release(c)
				return 0, c, fmt.Errorf("console: read: process killed")
			}
			c = proc.Sleep(p, c, &cons.r, &cons.Lock)
		}

		ch := cons.buf[cons.r%InputBufSize]
		cons.r++

		if ch == EOF {
			if n < target {
				cons.r-- // save ^D for the next read, as consoleread() does
			}
			break
		}

		dst[n] = ch
		n++
		if ch == '\n' {
			break
		}
	}
	cons.Lock.Release(c)
	return n, c, nil
}

// Write passes src straight through to the output sink, one byte at a time
// as consolewrite()'s uartputc loop does, so a partial failure midway still
// reports how much was written.
func (cons *Console) Write(src []byte) (int, error) {
	for i, b := range src {
		if _, err := cons.out.Write([]byte{b}); err != nil {
			return i, err
		}
	}
	return len(src), nil
}

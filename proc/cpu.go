package proc

import (
	"fmt"

	"github.com/Sheng99100/SeedOS/spinlock"
)

// CPU is the per-hardware-thread record of spec.md §3: the currently running
// process (or nil), and the nested interrupt-disable bookkeeping that a
// kernel thread must carry with it across a context switch.
//
// In this rendering, "hardware threads" are goroutines, one per CPU, each
// running Scheduler. There is no real interrupt controller to mask, so IntrOn
// stands in for the hardware enable bit; PushOff/PopOff manipulate it exactly
// where push_off()/pop_off() manipulate sstatus.SIE in kernel/spinlock.c.
type CPU struct {
	id   spinlock.CPUID
	Proc *Process

	IntrOn bool
	spinlock.IntrState
}

// NewCPU returns a CPU with interrupts initially enabled, as a freshly
// started hart does once its trap vector is installed.
func NewCPU(id int) *CPU {
	return &CPU{id: spinlock.CPUID(id), IntrOn: true}
}

func (c *CPU) CPUID() spinlock.CPUID { return c.id }

// PushOff disables interrupts and increments the nesting count, recording
// the prior enabled state the first time (outermost) it is called.
func (c *CPU) PushOff() {
	cur := c.IntrOn
	c.IntrOn = false
	c.IntrState.PushOff(cur)
}

// PopOff decrements the nesting count and, once it reaches zero, restores
// interrupts to whatever they were before the outermost PushOff — provided
// they are still disabled now, which the original enforces by panicking
// otherwise (a CPU that got re-enabled out from under a held lock has a bug
// upstream).
func (c *CPU) PopOff() {
	if c.IntrOn {
		panic("spinlock: pop_off: interruptible")
	}
	if c.IntrState.PopOff() {
		c.IntrOn = true
	}
}

func (c *CPU) String() string {
	pid := -1
	if c.Proc != nil {
		pid = c.Proc.Pid
	}
	return fmt.Sprintf("cpu%d(proc=%d,noff=%d,intena=%v,intron=%v)", c.id, pid, c.Noff, c.Intena, c.IntrOn)
}

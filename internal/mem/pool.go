// Package mem is the stack allocator the scheduler draws task stacks from.
// It enforces a fixed byte budget the way a board with a small RAM would.
package mem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/stacks/arraystack"
	"github.com/inhies/go-bytesize"
)

// ErrNoMemory is returned when a request does not fit the remaining budget.
var ErrNoMemory = errors.New("out of memory")

const (
	// MinStackSize is the smallest stack handed out.
	MinStackSize = 1 << 10
	stackAlign   = 16
)

// Allocator hands out task stacks.
type Allocator interface {
	AllocStack(size int) (*Stack, error)
	FreeStack(st *Stack)
}

// Stack is a stack region owned by exactly one task.
type Stack struct {
	buf   []byte
	freed bool
}

// Size is the usable size of the region in bytes.
func (st *Stack) Size() int { return len(st.buf) }

// Bytes exposes the region to its owner.
func (st *Stack) Bytes() []byte { return st.buf }

// Stats is a snapshot of pool usage.
type Stats struct {
	Capacity int
	InUse    int
	Allocs   uint64
	Frees    uint64
	Reused   uint64
	Failures uint64
}

// Pool is a budgeted Allocator. Freed regions are kept on per-size free
// lists and handed out again before fresh memory is allocated.
type Pool struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	free     map[int]*arraystack.Stack
	stats    Stats
}

// NewPool returns a pool that allows at most capacity bytes of live stacks.
func NewPool(capacity bytesize.ByteSize) *Pool {
	return &Pool{
		capacity: int(capacity),
		free:     make(map[int]*arraystack.Stack),
	}
}

// AllocStack reserves a stack of at least size bytes.
func (p *Pool) AllocStack(size int) (*Stack, error) {
	size = roundStack(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse+size > p.capacity {
		p.stats.Failures++
		return nil, fmt.Errorf("%w: stack of %s, %s of %s in use",
			ErrNoMemory, bytesize.New(float64(size)),
			bytesize.New(float64(p.inUse)), bytesize.New(float64(p.capacity)))
	}
	p.inUse += size
	p.stats.Allocs++

	if fl, ok := p.free[size]; ok {
		if v, ok := fl.Pop(); ok {
			buf := v.([]byte)
			clear(buf)
			p.stats.Reused++
			return &Stack{buf: buf}, nil
		}
	}
	return &Stack{buf: make([]byte, size)}, nil
}

// FreeStack returns a stack to the pool. Freeing a stack twice is fatal.
func (p *Pool) FreeStack(st *Stack) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st.freed {
		panic("mem: double free of stack")
	}
	st.freed = true
	size := len(st.buf)
	p.inUse -= size
	p.stats.Frees++

	fl, ok := p.free[size]
	if !ok {
		fl = arraystack.New()
		p.free[size] = fl
	}
	fl.Push(st.buf)
	st.buf = nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Capacity = p.capacity
	s.InUse = p.inUse
	return s
}

func roundStack(size int) int {
	if size < MinStackSize {
		size = MinStackSize
	}
	return (size + stackAlign - 1) &^ (stackAlign - 1)
}

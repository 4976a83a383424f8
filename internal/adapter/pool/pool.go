// Package pool is a reference stand-in for the external per-connection
// memory pool (spec §1 "Deliberately out of scope"): a byte region carved
// into allocated slices, with "publish to userspace" semantics. The real
// pool is a shared-memory mapping visible to one process and written to by
// the kernel; this adapter gives the dispatcher and queue the same
// alloc/publish/free contract over a private, mutex-guarded arena so the
// core is runnable and testable without that external component.
package pool

import (
	"fmt"
	"sync"

	"github.com/kbusd/kbusd/internal/domain/model"
)

// block is one free or allocated region of the arena.
type block struct {
	offset uint64
	size   uint64
	free   bool
}

// Pool is a connection's receive-pool arena. The zero value is not usable;
// construct with New.
type Pool struct {
	mu     sync.Mutex
	buf    []byte
	blocks []block // kept ordered by offset
}

// New allocates an arena of the given capacity in bytes.
func New(capacity uint64) *Pool {
	return &Pool{
		buf:    make([]byte, capacity),
		blocks: []block{{offset: 0, size: capacity, free: true}},
	}
}

// Slice is a handle to one allocated (but not yet necessarily public)
// region of a Pool.
type Slice struct {
	pool    *Pool
	offset  uint64
	size    uint64
	public  bool
	flushed bool
}

func (s *Slice) Offset() uint64 { return s.offset }
func (s *Slice) Size() uint64   { return s.size }

// Write copies data into the slice's backing bytes. It never exceeds the
// slice's allocated size.
func (s *Slice) Write(data []byte) error {
	if uint64(len(data)) > s.size {
		return model.NewError("pool.Slice.Write", model.KindInvalidArgument, "payload exceeds allocated slice")
	}
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	copy(s.pool.buf[s.offset:s.offset+s.size], data)
	return nil
}

// Bytes returns a read view of the slice's payload. Calling it before
// MakePublic is a reader-side bug in the real pool (the mapping is not
// yet visible); this adapter permits it to simplify kernel-local notify
// plumbing, which reads its own just-built payload before publishing.
func (s *Slice) Bytes() []byte {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	out := make([]byte, s.size)
	copy(out, s.pool.buf[s.offset:s.offset+s.size])
	return out
}

// Flush is a cache-flush no-op placeholder matching the PEEK path of spec
// §4.5 ("return the slice offset, flush cache, leave the entry queued").
func (s *Slice) Flush() { s.flushed = true }

// MakePublic marks the slice visible to userspace (read-only mapping in
// the real pool).
func (s *Slice) MakePublic() { s.public = true }

// Free releases the slice's region back to the arena.
func (s *Slice) Free() {
	s.pool.free(s.offset, s.size)
}

// Alloc reserves size bytes, first-fit, and returns a private (not yet
// public) Slice.
func (p *Pool) Alloc(size uint64) (*Slice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, b := range p.blocks {
		if !b.free || b.size < size {
			continue
		}
		if b.size == size {
			p.blocks[i].free = false
		} else {
			p.blocks[i] = block{offset: b.offset, size: size, free: false}
			rest := block{offset: b.offset + size, size: b.size - size, free: true}
			p.blocks = append(p.blocks, block{})
			copy(p.blocks[i+2:], p.blocks[i+1:])
			p.blocks[i+1] = rest
		}
		return &Slice{pool: p, offset: b.offset, size: size}, nil
	}
	return nil, model.NewError("pool.Alloc", model.KindNoBufferSpace, fmt.Sprintf("no %d contiguous free bytes", size))
}

func (p *Pool) free(offset, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.blocks {
		if p.blocks[i].offset == offset && p.blocks[i].size == size && !p.blocks[i].free {
			p.blocks[i].free = true
			break
		}
	}
	p.coalesce()
}

// coalesce merges adjacent free blocks. Called with mu held.
func (p *Pool) coalesce() {
	out := p.blocks[:0]
	for _, b := range p.blocks {
		if n := len(out); n > 0 && out[n-1].free && b.free && out[n-1].offset+out[n-1].size == b.offset {
			out[n-1].size += b.size
			continue
		}
		out = append(out, b)
	}
	p.blocks = out
}

// MoveSlice transfers src's bytes into dst, allocating a fresh region
// there and freeing src's region here, used by activator handoff
// (spec §4.4 "move_messages") to relocate a queued message between two
// connections' pools without the receiver ever seeing a half-written
// slice.
func MoveSlice(dst *Pool, src *Slice) (*Slice, error) {
	data := src.Bytes()
	out, err := dst.Alloc(uint64(len(data)))
	if err != nil {
		return nil, err
	}
	if err := out.Write(data); err != nil {
		out.Free()
		return nil, err
	}
	src.Free()
	return out, nil
}

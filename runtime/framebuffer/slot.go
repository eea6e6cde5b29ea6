package framebuffer

import "sync/atomic"

// slotState is replaced wholesale so readers observe frame and generation together.
type slotState struct {
	generation uint64
	frame      *Frame
}

// slot holds the latest frame of one source. Only the reader owning the
// current generation may write a frame; subscription changes advance the
// generation so superseded readers can never overwrite or clear it.
type slot struct {
	source VisualSource
	state  atomic.Pointer[slotState]
	count  atomic.Uint64
}

func newSlot(source VisualSource) *slot {
	s := &slot{source: source}
	s.state.Store(&slotState{})
	return s
}

// load returns the current frame, or nil.
func (s *slot) load() *Frame {
	return s.state.Load().frame
}

// advance starts a new generation. The frame is dropped when clear is set.
func (s *slot) advance(clear bool) uint64 {
	for {
		cur := s.state.Load()
		next := &slotState{generation: cur.generation + 1, frame: cur.frame}
		if clear {
			next.frame = nil
		}
		if s.state.CompareAndSwap(cur, next) {
			return next.generation
		}
	}
}

// store replaces the frame if gen is still current.
func (s *slot) store(gen uint64, f *Frame) bool {
	for {
		cur := s.state.Load()
		if cur.generation != gen {
			return false
		}
		if s.state.CompareAndSwap(cur, &slotState{generation: gen, frame: f}) {
			return true
		}
	}
}

// clear empties the slot if gen is still current.
func (s *slot) clear(gen uint64) bool {
	return s.store(gen, nil)
}

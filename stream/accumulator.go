package stream

import (
	"sync"

	"github.com/deepnoodle-ai/relay/llm"
)

// Accumulator folds a turn's events into content blocks.
//
// Text and thinking deltas are appended to the trailing block when it has
// the same type, otherwise they open a new block. Tool use and tool result
// events are always complete blocks of their own. Control events are
// ignored. An Accumulator is safe for concurrent use.
type Accumulator struct {
	mu     sync.Mutex
	blocks []llm.ContentBlock
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds one event into the accumulated blocks.
func (a *Accumulator) Add(ev Event) {
	block, ok := ev.ContentBlock()
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.Kind == KindText || ev.Kind == KindThinking {
		if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == block.Type {
			a.blocks[n-1].Content += block.Content
			return
		}
	}
	a.blocks = append(a.blocks, block.Copy())
}

// Blocks returns a copy of the blocks accumulated so far.
func (a *Accumulator) Blocks() []llm.ContentBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	return llm.CopyBlocks(a.blocks)
}

// Fold accumulates events and returns the resulting blocks.
func Fold(events []Event) []llm.ContentBlock {
	acc := NewAccumulator()
	for _, ev := range events {
		acc.Add(ev)
	}
	return acc.Blocks()
}

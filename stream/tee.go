package stream

import "context"

// Tee copies every event from in to n output channels, in order. Each
// output must be drained; a stalled reader stalls all of them. The outputs
// are closed when in is closed or ctx is done.
func Tee(ctx context.Context, in <-chan Event, n int) []<-chan Event {
	outs := make([]chan Event, n)
	ro := make([]<-chan Event, n)
	for i := range outs {
		outs[i] = make(chan Event, 16)
		ro[i] = outs[i]
	}
	go func() {
		defer func() {
			for _, out := range outs {
				close(out)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				for _, out := range outs {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ro
}

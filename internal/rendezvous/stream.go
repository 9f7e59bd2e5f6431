package rendezvous

import "sync"

// Stream converts a subscription into a typed channel. Changes for which conv
// reports false are skipped. The returned cancel closes the subscription and
// may be called more than once.
func Stream[T any](sub Subscription, conv func(Change) (T, bool)) (<-chan T, func()) {
	out := make(chan T)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}

	go func() {
		defer close(out)
		for c := range sub.Changes() {
			v, ok := conv(c)
			if !ok {
				continue
			}
			select {
			case out <- v:
			case <-done:
				return
			}
		}
	}()
	return out, cancel
}

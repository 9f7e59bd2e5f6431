package rendezvous

import "sync"

// mailbox is an unbounded FIFO between a writer that must never block and a
// single reader.
type mailbox struct {
	mu     sync.Mutex
	queue  []Change
	signal chan struct{}
	out    chan Change
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		out:    make(chan Change),
		done:   make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *mailbox) push(c Change) {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return
	default:
	}
	m.queue = append(m.queue, c)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		c := m.queue[0]
		m.queue[0] = Change{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- c:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

// subscription couples a mailbox with the store-specific release hook.
type subscription struct {
	box     *mailbox
	release func()
	once    sync.Once
}

func (s *subscription) Changes() <-chan Change { return s.box.out }

func (s *subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		s.box.close()
	})
}

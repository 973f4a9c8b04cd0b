package unread

import (
	"sync"

	"chat-sync/internal/models"
)

// Consumer handles a private message and reports whether it took it.
type Consumer func(models.Message) bool

// Slot routes incoming private messages. Claims form a stack above a
// fallback consumer; a message goes to the newest claim that accepts it.
type Slot struct {
	mu       sync.Mutex
	claims   []*claim
	fallback Consumer
}

type claim struct {
	consume Consumer
}

func NewSlot(fallback Consumer) *Slot {
	return &Slot{fallback: fallback}
}

// Claim puts c on top of the slot. The returned function removes this
// claim only, wherever it sits in the stack, and may be called repeatedly.
func (s *Slot) Claim(c Consumer) func() {
	cl := &claim{consume: c}
	s.mu.Lock()
	s.claims = append(s.claims, cl)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, cur := range s.claims {
				if cur == cl {
					s.claims = append(s.claims[:i], s.claims[i+1:]...)
					return
				}
			}
		})
	}
}

// Dispatch offers m to the claims from newest to oldest, then to the fallback.
func (s *Slot) Dispatch(m models.Message) {
	s.mu.Lock()
	consumers := make([]Consumer, 0, len(s.claims)+1)
	for i := len(s.claims) - 1; i >= 0; i-- {
		consumers = append(consumers, s.claims[i].consume)
	}
	if s.fallback != nil {
		consumers = append(consumers, s.fallback)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		if c(m) {
			return
		}
	}
}

// Claims reports how many claims sit above the fallback.
func (s *Slot) Claims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

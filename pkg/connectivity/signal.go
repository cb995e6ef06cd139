// Package connectivity reports device online/offline transitions. The host
// application (or platform glue) drives Set; the coordinator only consumes
// the change stream.
package connectivity

import "sync"

type Signal struct {
	mu     sync.Mutex
	online bool
	ch     chan bool
}

func NewSignal(online bool) *Signal {
	return &Signal{online: online, ch: make(chan bool, 8)}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records a transition. Repeated reports of the same state are
// swallowed so consumers only see edges.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.mu.Unlock()

	for {
		select {
		case s.ch <- online:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Changes is the stream of online/offline edges.
func (s *Signal) Changes() <-chan bool { return s.ch }

package main

import (
	"sync/atomic"

	semcache "github.com/blueberrycongee/semcache"
)

// clientSwap hands the active client to request handlers and lets a config
// reload replace it without dropping in-flight queries. A replaced client is
// closed by whichever release call brings its count to zero.
type clientSwap struct {
	current atomic.Pointer[clientRef]
}

type clientRef struct {
	client  *semcache.Client
	refs    atomic.Int64
	closing atomic.Bool
	closed  atomic.Bool
}

func newClientSwap(client *semcache.Client) *clientSwap {
	s := &clientSwap{}
	s.current.Store(&clientRef{client: client})
	return s
}

// acquire returns the active client and a release to call when the request
// is done. A nil client means the server is past shutdown.
func (s *clientSwap) acquire() (*semcache.Client, func()) {
	ref := s.current.Load()
	if ref == nil {
		return nil, func() {}
	}

	ref.refs.Add(1)
	release := func() {
		if ref.refs.Add(-1) == 0 && ref.closing.Load() {
			ref.closeOnce()
		}
	}
	return ref.client, release
}

// swap installs the next client. The previous one closes once idle.
func (s *clientSwap) swap(next *semcache.Client) {
	prev := s.current.Swap(&clientRef{client: next})
	if prev == nil {
		return
	}
	prev.closing.Store(true)
	if prev.refs.Load() == 0 {
		prev.closeOnce()
	}
}

// close retires the active client once its in-flight requests drain.
func (s *clientSwap) close() {
	ref := s.current.Load()
	if ref == nil {
		return
	}
	ref.closing.Store(true)
	if ref.refs.Load() == 0 {
		ref.closeOnce()
	}
}

func (r *clientRef) closeOnce() {
	if r.closed.CompareAndSwap(false, true) {
		_ = r.client.Close()
	}
}

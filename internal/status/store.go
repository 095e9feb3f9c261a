// Package status keeps the latest poll result and fans it out to listeners.
package status

import (
	"sync"
	"time"

	"github.com/skobkin/gpumon-web/internal/nvsmi"
	"github.com/skobkin/gpumon-web/internal/remote"
)

// ServerInfo identifies the monitored host in status payloads.
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
}

// Status is the payload served by /api/status and pushed over the stream.
type Status struct {
	OK            bool            `json:"ok"`
	Error         *string         `json:"error"`
	ErrorKind     *string         `json:"error_kind"`
	LastUpdate    *time.Time      `json:"last_update"`
	ConfigErrors  []string        `json:"config_errors"`
	Data          *nvsmi.Snapshot `json:"data"`
	LastSuccess   *nvsmi.Snapshot `json:"last_success"`
	LastSuccessAt *time.Time      `json:"last_success_at"`
	Server        ServerInfo      `json:"server"`
	PollInterval  float64         `json:"poll_interval"`
}

// Store is the poller's sink. Publish is called from the poll loop; every
// other method is safe for concurrent use by request handlers.
type Store struct {
	server       ServerInfo
	pollInterval time.Duration
	configErrors []string
	now          func() time.Time

	mu            sync.RWMutex
	data          *nvsmi.Snapshot
	err           *string
	errKind       *string
	lastUpdate    *time.Time
	lastSuccess   *nvsmi.Snapshot
	lastSuccessAt *time.Time
	subscribers   map[*subscriber]struct{}
}

// NewStore creates an empty store.
func NewStore(server ServerInfo, pollInterval time.Duration, configErrors []string) *Store {
	errs := make([]string, len(configErrors))
	copy(errs, configErrors)
	return &Store{
		server:       server,
		pollInterval: pollInterval,
		configErrors: errs,
		now:          time.Now,
		subscribers:  make(map[*subscriber]struct{}),
	}
}

// Publish records one cycle result atomically. A failure clears data but
// keeps the last known-good snapshot in last_success.
func (s *Store) Publish(snapshot *nvsmi.Snapshot, err error) {
	now := s.now().UTC()

	s.mu.Lock()
	s.lastUpdate = &now
	if err != nil {
		message := err.Error()
		kind := string(remote.KindOf(err))
		s.data = nil
		s.err = &message
		s.errKind = &kind
	} else {
		s.data = snapshot
		s.err = nil
		s.errKind = nil
		if snapshot != nil {
			s.lastSuccess = snapshot
			s.lastSuccessAt = &now
		}
	}
	current := s.statusLocked()

	targets := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.send(current)
	}
}

// Status returns a copy of the current state.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

// Ready reports whether at least one cycle has been published.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate != nil
}

// Server returns the monitored host description.
func (s *Store) Server() ServerInfo {
	return s.server
}

// PollInterval returns the configured poll interval.
func (s *Store) PollInterval() time.Duration {
	return s.pollInterval
}

// Subscribe registers a listener. The channel holds at most one pending
// status; slow readers only ever see the newest one. The current status is
// delivered immediately once a cycle has been published.
func (s *Store) Subscribe() (<-chan Status, func()) {
	sub := newSubscriber()

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	if s.lastUpdate != nil {
		sub.send(s.statusLocked())
	}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		sub.close()
	}
	return sub.channel(), unsubscribe
}

// SubscriberCount returns the number of active listeners.
func (s *Store) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func (s *Store) statusLocked() Status {
	errs := make([]string, len(s.configErrors))
	copy(errs, s.configErrors)

	return Status{
		OK:            s.err == nil && s.data != nil,
		Error:         s.err,
		ErrorKind:     s.errKind,
		LastUpdate:    s.lastUpdate,
		ConfigErrors:  errs,
		Data:          s.data,
		LastSuccess:   s.lastSuccess,
		LastSuccessAt: s.lastSuccessAt,
		Server:        s.server,
		PollInterval:  s.pollInterval.Seconds(),
	}
}

type subscriber struct {
	ch     chan Status
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Status, 1),
	}
}

func (s *subscriber) channel() <-chan Status {
	return s.ch
}

func (s *subscriber) send(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- status:
		return
	default:
		// Drop oldest to make room for the new status.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- status:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}

package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/aeolun/relay/pkg/protocol"
)

var (
	// ErrInvalidNickname indicates a registration attempt that was refused
	ErrInvalidNickname = errors.New("invalid nickname")
	// ErrDuplicateNickname indicates the nickname is held by another session
	ErrDuplicateNickname = fmt.Errorf("%w: already in use", ErrInvalidNickname)
	// ErrAlreadyRegistered indicates the session already holds a nickname
	ErrAlreadyRegistered = errors.New("session already registered")
)

// Registry maps nicknames to registered sessions and owns the presence list.
//
// presenceMu serializes register/unregister together with the presence
// broadcast that follows, so every client sees presence lists in the order the
// membership changed. mu guards the map itself. Broadcasts only queue units on
// each session, so neither lock waits on a slow client.
type Registry struct {
	presenceMu sync.Mutex

	mu     sync.RWMutex
	byNick map[string]*Session
	order  []string // insertion order

	metrics *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byNick: make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register binds nickname to sess and broadcasts the new presence list to
// every registered session, sess included
func (r *Registry) Register(nickname string, sess *Session) error {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	r.mu.Lock()
	if _, taken := r.byNick[nickname]; taken {
		r.mu.Unlock()
		return ErrDuplicateNickname
	}
	if !sess.markRegistered(nickname) {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.byNick[nickname] = sess
	r.order = append(r.order, nickname)
	r.mu.Unlock()

	r.broadcastPresence()
	return nil
}

// Unregister removes sess if it is registered and broadcasts the new presence
// list. Returns false (and broadcasts nothing) if sess was not registered.
func (r *Registry) Unregister(sess *Session) bool {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	nickname := sess.Nickname()

	r.mu.Lock()
	if current, ok := r.byNick[nickname]; !ok || current != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.byNick, nickname)
	r.order = lo.Without(r.order, nickname)
	r.mu.Unlock()

	r.broadcastPresence()
	return true
}

// Lookup returns the session registered under nickname
func (r *Registry) Lookup(nickname string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byNick[nickname]
	return sess, ok
}

// Nicknames returns the registered nicknames in registration order
func (r *Registry) Nicknames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Sessions returns the registered sessions in registration order
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(nick string, _ int) *Session {
		return r.byNick[nick]
	})
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNick)
}

// BroadcastPresence sends the current presence list to every registered session
func (r *Registry) BroadcastPresence() {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	r.broadcastPresence()
}

// broadcastPresence requires presenceMu
func (r *Registry) broadcastPresence() {
	r.mu.RLock()
	unit := protocol.FormatUsersList(r.order)
	recipients := lo.Map(r.order, func(nick string, _ int) *Session {
		return r.byNick[nick]
	})
	r.mu.RUnlock()

	r.send("presence", unit, recipients)
	if r.metrics != nil {
		r.metrics.RecordPresenceBroadcast(len(recipients))
	}
}

// Broadcast sends unit to every registered session except except (may be nil).
// Returns the number of sessions written to successfully.
func (r *Registry) Broadcast(kind string, unit []byte, except *Session) int {
	recipients := lo.Filter(r.Sessions(), func(s *Session, _ int) bool {
		return s != except
	})
	return r.send(kind, unit, recipients)
}

// send queues unit on each recipient. Sessions that refuse it are closed in
// the background; their connection goroutine unregisters them.
func (r *Registry) send(kind string, unit []byte, recipients []*Session) int {
	start := time.Now()
	var dead []*Session

	for _, sess := range recipients {
		if err := sess.Send(unit); err != nil {
			debugLog.Printf("Session %d: %s broadcast refused: %v", sess.ID, kind, err)
			dead = append(dead, sess)
		}
	}

	for _, sess := range dead {
		if r.metrics != nil {
			r.metrics.RecordWriteFailure()
		}
		// Closing an SSH channel writes to the peer
		go sess.Conn.Close()
	}

	if r.metrics != nil {
		r.metrics.RecordBroadcastDuration(kind, time.Since(start).Seconds())
	}
	return len(recipients) - len(dead)
}

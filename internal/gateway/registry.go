// Package gateway holds the WebSocket session plane: the connection
// registry, the idle sweeper and the two queue consumers that push frames
// to clients.
package gateway

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/domain"
	"github.com/driftmark/gamecore/internal/metrics"
)

// Conn is the transport half of a registered session. Implementations must
// tolerate concurrent SendText calls and a Close racing a send.
type Conn interface {
	SendText(data []byte) error
	Close(code int, reason string) error
}

type session struct {
	conn       Conn
	accountID  int64
	clientType string
	lastSeen   atomic.Int64 // unix nanos
}

// Registry tracks the live sessions of this gateway instance. All methods
// are safe for concurrent use by the accept path, the sweeper and both
// consumer planes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	ids      map[Conn]string
	accounts map[int64]map[string]struct{}
	lg       zerolog.Logger
}

func NewRegistry(lg zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		ids:      make(map[Conn]string),
		accounts: make(map[int64]map[string]struct{}),
		lg:       lg.With().Str("component", "registry").Logger(),
	}
}

// Connect installs conn under id. At most one handle lives per id: a prior
// handle is closed with 1000 before the replacement is installed.
func (r *Registry) Connect(conn Conn, id string, accountID int64, clientType string) {
	r.mu.Lock()
	if old, ok := r.sessions[id]; ok {
		_ = old.conn.Close(domain.CloseReplaced, "replaced by a new connection")
		r.removeLocked(id, old)
		metrics.RecordWSClosed(strconv.Itoa(domain.CloseReplaced))
		r.lg.Warn().Str("connection_id", id).Msg("existing session replaced")
	}
	sess := &session{conn: conn, accountID: accountID, clientType: clientType}
	sess.lastSeen.Store(time.Now().UnixNano())
	r.sessions[id] = sess
	r.ids[conn] = id
	if accountID != 0 {
		set, ok := r.accounts[accountID]
		if !ok {
			set = make(map[string]struct{}, 1)
			r.accounts[accountID] = set
		}
		set[id] = struct{}{}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.SetWSConnectionsActive(n)
	r.lg.Info().Str("connection_id", id).Int64("account_id", accountID).Str("client_type", clientType).Int("active", n).Msg("session registered")
}

// removeLocked drops every index entry of one session. Callers hold mu.
func (r *Registry) removeLocked(id string, sess *session) {
	delete(r.sessions, id)
	delete(r.ids, sess.conn)
	if set, ok := r.accounts[sess.accountID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.accounts, sess.accountID)
		}
	}
}

// Disconnect removes the session without touching its transport; the read
// loop owns the socket teardown.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		r.removeLocked(id, sess)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	metrics.SetWSConnectionsActive(n)
	r.lg.Info().Str("connection_id", id).Int("active", n).Msg("session removed")
}

// UpdateActivity stamps the session as alive now.
func (r *Registry) UpdateActivity(id string) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		sess.lastSeen.Store(time.Now().UnixNano())
	}
}

// Send writes frame to one session. A transport failure removes the entry
// and reports false; the caller never retries a dead socket.
func (r *Registry) Send(id string, frame []byte) bool {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := sess.conn.SendText(frame); err != nil {
		r.lg.Warn().Err(err).Str("connection_id", id).Msg("send failed; dropping session")
		r.Disconnect(id)
		return false
	}
	return true
}

// Broadcast sends frame to every session of clientType; an empty type
// matches all. Returns the number of sessions actually reached.
func (r *Registry) Broadcast(clientType string, frame []byte) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if clientType == "" || sess.clientType == clientType {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if r.Send(id, frame) {
			sent++
		}
	}
	return sent
}

// IDByConn answers which session owns the handle, for read loops that only
// hold the transport.
func (r *Registry) IDByConn(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[conn]
	return id, ok
}

// Find returns every live connection id of one account, in no particular
// order. Empty when the account has no session on this instance.
func (r *Registry) Find(accountID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.accounts[accountID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) ClientType(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return "", false
	}
	return sess.clientType, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StaleIDs returns the sessions whose last activity predates cutoff.
func (r *Registry) StaleIDs(cutoff time.Time) []string {
	limit := cutoff.UnixNano()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, sess := range r.sessions {
		if sess.lastSeen.Load() < limit {
			ids = append(ids, id)
		}
	}
	return ids
}

// Evict closes the session's transport with code/reason and removes it.
func (r *Registry) Evict(id string, code int, reason string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		r.removeLocked(id, sess)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}

	_ = sess.conn.Close(code, reason)
	metrics.SetWSConnectionsActive(n)
	metrics.RecordWSClosed(strconv.Itoa(code))
	r.lg.Info().Str("connection_id", id).Int("code", code).Str("reason", reason).Msg("session evicted")
	return true
}

// CloseAll evicts every session; used at shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Evict(id, code, reason)
	}
}

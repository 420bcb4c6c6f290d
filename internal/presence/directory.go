// Package presence tracks which users are online and through which
// connections.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// Conn is a live client connection as seen by the directory.
type Conn interface {
	ID() string
	UserID() string
	// Send enqueues an event for the client. It must not block.
	Send(event string, payload any) error
}

// Departure describes the outcome of unregistering a connection.
type Departure struct {
	Conn        Conn
	UserID      string
	WentOffline bool
	LastSeen    time.Time
}

type userEntry struct {
	conns    map[string]struct{}
	lastSeen time.Time
}

// Directory is the registry of live connections grouped by user. A user is
// online exactly when at least one connection is registered for them.
type Directory struct {
	mu    sync.RWMutex
	conns map[string]Conn
	users map[string]*userEntry
	now   func() time.Time
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		conns: make(map[string]Conn),
		users: make(map[string]*userEntry),
		now:   time.Now,
	}
}

// SetClock overrides the clock used for last-seen stamps.
func (d *Directory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	d.now = now
}

// Register adds conn and reports whether its user just came online.
// Registering the same connection twice is a no-op.
func (d *Directory) Register(conn Conn) bool {
	if conn == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.conns[conn.ID()]; exists {
		return false
	}
	d.conns[conn.ID()] = conn

	entry := d.users[conn.UserID()]
	if entry == nil {
		entry = &userEntry{conns: make(map[string]struct{})}
		d.users[conn.UserID()] = entry
	}
	cameOnline := len(entry.conns) == 0
	entry.conns[conn.ID()] = struct{}{}
	return cameOnline
}

// Unregister removes a connection. The second return is false when the
// connection was not registered.
func (d *Directory) Unregister(connID string) (Departure, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conn, ok := d.conns[connID]
	if !ok {
		return Departure{}, false
	}
	delete(d.conns, connID)

	departure := Departure{Conn: conn, UserID: conn.UserID()}
	entry := d.users[conn.UserID()]
	if entry == nil {
		return departure, true
	}
	delete(entry.conns, connID)
	if len(entry.conns) == 0 {
		entry.lastSeen = d.now().UTC()
		departure.WentOffline = true
		departure.LastSeen = entry.lastSeen
	}
	return departure, true
}

// Get returns a registered connection.
func (d *Directory) Get(connID string) (Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conn, ok := d.conns[connID]
	return conn, ok
}

// Connections returns the live connections of a user, ordered by ID.
func (d *Directory) Connections(userID string) []Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry := d.users[userID]
	if entry == nil {
		return nil
	}
	out := make([]Conn, 0, len(entry.conns))
	for id := range entry.conns {
		out = append(out, d.conns[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (d *Directory) IsOnline(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry := d.users[userID]
	return entry != nil && len(entry.conns) > 0
}

// Snapshot returns the presence entry for a user.
func (d *Directory) Snapshot(userID string) models.PresenceEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snapshot := models.PresenceEntry{UserID: userID, ConnectionIDs: []string{}}
	entry := d.users[userID]
	if entry == nil {
		return snapshot
	}
	for id := range entry.conns {
		snapshot.ConnectionIDs = append(snapshot.ConnectionIDs, id)
	}
	sort.Strings(snapshot.ConnectionIDs)
	snapshot.Online = len(snapshot.ConnectionIDs) > 0
	snapshot.LastSeen = entry.lastSeen
	return snapshot
}

// Count returns the number of live connections.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// OnlineUsers returns the number of users with a live connection.
func (d *Directory) OnlineUsers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	online := 0
	for _, entry := range d.users {
		if len(entry.conns) > 0 {
			online++
		}
	}
	return online
}

// SendToUsers delivers an event to every live connection of the given
// users and returns how many sends were accepted. Offline users and failed
// sends are skipped.
func (d *Directory) SendToUsers(userIDs []string, event string, payload any) int {
	delivered := 0
	for _, userID := range userIDs {
		for _, conn := range d.Connections(userID) {
			if err := conn.Send(event, payload); err == nil {
				delivered++
			}
		}
	}
	return delivered
}

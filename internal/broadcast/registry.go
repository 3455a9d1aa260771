package broadcast

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/pricepulse/internal/domain"
)

const DefaultMaxBatch = 50

// Stats is a snapshot of registry occupancy.
type Stats struct {
	TotalConnections    int            `json:"total_connections"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	Rooms               map[string]int `json:"rooms"`
	ConnectionsPerIP    map[string]int `json:"connections_per_ip"`
}

// InvalidSymbolError names the first symbol of a batch that is not in the
// catalog. It matches domain.ErrInvalidSymbol.
type InvalidSymbolError struct {
	Symbol string
}

func (e *InvalidSymbolError) Error() string {
	return fmt.Sprintf("%s: %q", domain.ErrInvalidSymbol, e.Symbol)
}

func (e *InvalidSymbolError) Unwrap() error {
	return domain.ErrInvalidSymbol
}

// Change reports the outcome of a subscribe or unsubscribe batch. Symbols is
// the normalized batch, Changed the subset that actually changed membership.
type Change struct {
	Symbols []string
	Changed []string
}

// Registry holds live connections and per-symbol rooms. Every mutation takes
// the one mutex; readers get copies so no lock is held while sending.
type Registry struct {
	catalog  *domain.SymbolCatalog
	maxBatch int

	mu          sync.Mutex
	closed      bool
	connections map[string]*Connection
	rooms       map[string]map[string]*Connection
}

func NewRegistry(catalog *domain.SymbolCatalog, maxBatch int) *Registry {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Registry{
		catalog:     catalog,
		maxBatch:    maxBatch,
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
	}
}

// Register adds conn and returns its id, assigning one when conn.ID is empty.
func (r *Registry) Register(conn *Connection) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", domain.ErrRegistryClosed
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	r.connections[conn.ID] = conn
	return conn.ID, nil
}

// Unregister removes the connection and all its room memberships. It returns
// the symbols it was subscribed to; unknown ids return nil.
func (r *Registry) Unregister(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return nil
	}

	symbols := slices.Sorted(maps.Keys(conn.symbols))
	for _, s := range symbols {
		r.leave(s, id)
	}
	clear(conn.symbols)
	delete(r.connections, id)
	return symbols
}

func (r *Registry) leave(symbol, id string) {
	room := r.rooms[symbol]
	delete(room, id)
	if len(room) == 0 {
		delete(r.rooms, symbol)
	}
}

// normalize validates a whole batch before anything is applied.
func (r *Registry) normalize(symbols []string, strict bool) ([]string, error) {
	if len(symbols) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	if len(symbols) > r.maxBatch {
		return nil, fmt.Errorf("%w: %d symbols, max %d", domain.ErrBatchTooLarge, len(symbols), r.maxBatch)
	}

	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		s := domain.NormalizeSymbol(raw)
		if strict && !r.catalog.Contains(s) {
			return nil, &InvalidSymbolError{Symbol: raw}
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// Validate normalizes a subscribe batch without touching any room. It
// fails the same way Subscribe would.
func (r *Registry) Validate(symbols []string) ([]string, error) {
	return r.normalize(symbols, true)
}

// Subscribe joins the connection to every symbol's room. One invalid symbol
// rejects the batch and leaves existing subscriptions untouched.
func (r *Registry) Subscribe(id string, symbols []string) (Change, error) {
	return r.SubscribeWith(id, symbols, nil)
}

// SubscribeWith is Subscribe with a hook that runs under the registry lock
// right after the rooms are joined. Frames the hook enqueues on the
// connection precede every tick routed to the new rooms. The hook must not
// block or call back into the registry.
func (r *Registry) SubscribeWith(id string, symbols []string, joined func(*Connection, Change)) (Change, error) {
	normalized, err := r.normalize(symbols, true)
	if err != nil {
		return Change{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return Change{}, domain.ErrConnectionNotFound
	}

	change := Change{Symbols: normalized}
	for _, s := range normalized {
		if _, already := conn.symbols[s]; already {
			continue
		}
		conn.symbols[s] = struct{}{}
		room, ok := r.rooms[s]
		if !ok {
			room = make(map[string]*Connection)
			r.rooms[s] = room
		}
		room[id] = conn
		change.Changed = append(change.Changed, s)
	}

	if joined != nil {
		joined(conn, change)
	}
	return change, nil
}

// Unsubscribe leaves the given rooms. Symbols the connection never joined,
// including unknown ones, are ignored.
func (r *Registry) Unsubscribe(id string, symbols []string) (Change, error) {
	normalized, err := r.normalize(symbols, false)
	if err != nil {
		return Change{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return Change{}, domain.ErrConnectionNotFound
	}

	change := Change{Symbols: normalized}
	for _, s := range normalized {
		if _, subscribed := conn.symbols[s]; !subscribed {
			continue
		}
		delete(conn.symbols, s)
		r.leave(s, id)
		change.Changed = append(change.Changed, s)
	}
	return change, nil
}

// Room returns a copy of the connections subscribed to symbol.
func (r *Registry) Room(symbol string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[symbol]
	if len(room) == 0 {
		return nil
	}
	return slices.Collect(maps.Values(room))
}

// Symbols returns the sorted subscriptions of one connection.
func (r *Registry) Symbols(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	return slices.Sorted(maps.Keys(conn.symbols)), nil
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	return conn, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// CountByIdentity returns how many live connections share identity.
func (r *Registry) CountByIdentity(identity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.connections {
		if c.Meta.Identity == identity {
			n++
		}
	}
	return n
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		TotalConnections: len(r.connections),
		Rooms:            make(map[string]int, len(r.rooms)),
		ConnectionsPerIP: make(map[string]int),
	}
	for _, c := range r.connections {
		s.ActiveSubscriptions += len(c.symbols)
		s.ConnectionsPerIP[c.Meta.RemoteAddr]++
	}
	for sym, room := range r.rooms {
		s.Rooms[sym] = len(room)
	}
	return s
}

// Close rejects further registrations, empties the registry and closes
// every connection that was still registered.
func (r *Registry) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := slices.Collect(maps.Values(r.connections))
	clear(r.connections)
	clear(r.rooms)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(reason)
	}
}

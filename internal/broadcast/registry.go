package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/metrics"
)

const (
	commandTimeout     = 5 * time.Second // Actor command timeout
	stopTimeout        = 10 * time.Second
	commandChannelSize = 256
	shutdownReason     = "server shutting down"
)

// Connection is a snapshot of a registered connection.
type Connection struct {
	ID       uuid.UUID         `json:"id"`
	Identity domain.Identity   `json:"identity"`
	Admin    bool              `json:"admin"`
	Groups   []domain.GroupKey `json:"groups"`
	OpenedAt time.Time         `json:"opened_at"`
}

// InGroup reports whether the snapshot is a member of group.
func (c Connection) InGroup(group domain.GroupKey) bool {
	return slices.Contains(c.Groups, group)
}

// ConnectOptions configures a new registration.
type ConnectOptions struct {
	// ID is used as the connection id when set; it must not be registered yet.
	ID    uuid.UUID
	Admin bool
	// Initial is queued before the connection is visible to broadcasts.
	Initial *domain.Envelope
}

// Stats is the observability snapshot of the registry.
type Stats struct {
	TotalConnections   int            `json:"total_connections"`
	ConnectionsByGroup map[string]int `json:"connections_by_group"`
	ConnectionsByKind  map[string]int `json:"connections_by_kind"`
	UniqueIdentities   int            `json:"unique_identities"`
}

type entry struct {
	id       uuid.UUID
	identity domain.Identity
	admin    bool
	groups   map[domain.GroupKey]struct{}
	openedAt time.Time
	writer   *clientWriter
}

func (e *entry) snapshot() Connection {
	groups := slices.Collect(maps.Keys(e.groups))
	slices.Sort(groups)
	return Connection{ID: e.id, Identity: e.identity, Admin: e.admin, Groups: groups, OpenedAt: e.openedAt}
}

// groupOfKind returns the entry's current group of the given kind, or "".
func (e *entry) groupOfKind(kind domain.GroupKind) domain.GroupKey {
	for g := range e.groups {
		if g.Kind() == kind {
			return g
		}
	}
	return ""
}

// removal is a connection taken out of the maps that still needs its socket closed.
type removal struct {
	entry  *entry
	code   int
	reason string
}

// Registry tracks live connections and their broadcast groups on this process.
type Registry struct {
	cmdCh        chan registryCmd
	clock        clockwork.Clock
	connections  map[uuid.UUID]*entry
	byIdentity   map[domain.Identity]map[uuid.UUID]*entry
	groups       map[domain.GroupKey]map[uuid.UUID]*entry
	onDisconnect func(Connection)
	done         chan struct{}
	stopTimeout  time.Duration
	pending      []removal
}

// NewRegistry starts the registry actor. onDisconnect, when set, is called exactly
// once per connection after it was removed from every group.
func NewRegistry(clock clockwork.Clock, onDisconnect func(Connection)) *Registry {
	r := &Registry{
		cmdCh:        make(chan registryCmd, commandChannelSize),
		clock:        clock,
		connections:  make(map[uuid.UUID]*entry),
		byIdentity:   make(map[domain.Identity]map[uuid.UUID]*entry),
		groups:       make(map[domain.GroupKey]map[uuid.UUID]*entry),
		onDisconnect: onDisconnect,
		done:         make(chan struct{}),
		stopTimeout:  stopTimeout,
	}
	go r.run()
	return r
}

// SetOnDisconnect replaces the disconnect hook. Must be called before the first Connect.
func (r *Registry) SetOnDisconnect(fn func(Connection)) {
	r.onDisconnect = fn
}

// Connect registers an authenticated connection. Every connection joins the global
// group, admins also join the admin group. A previous connection with the same
// identity and admin flag is superseded.
func (r *Registry) Connect(conn Conn, identity domain.Identity, groups []domain.GroupKey, opts ConnectOptions) (Connection, error) {
	if identity == "" {
		return Connection{}, domain.NewAuthError(domain.AuthMissingCredential, nil)
	}

	var initial []byte
	if opts.Initial != nil {
		data, err := json.Marshal(opts.Initial.WithoutOrigin())
		if err != nil {
			return Connection{}, err
		}
		initial = data
	}

	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	e := &entry{
		id:       id,
		identity: identity,
		admin:    opts.Admin,
		groups:   map[domain.GroupKey]struct{}{domain.GlobalGroup: {}},
		openedAt: r.clock.Now(),
	}
	for _, g := range groups {
		e.groups[g] = struct{}{}
	}
	if opts.Admin {
		e.groups[domain.AdminGroup] = struct{}{}
	}

	e.writer = newClientWriter(conn, r.clock, func(code int, reason string) {
		_ = r.Disconnect(id, code, reason)
	})
	if initial != nil {
		e.writer.enqueue(initial)
	}

	snap, err := call(r, func(reply chan Connection) registryCmd {
		return connectCmd{entry: e, reply: reply}
	})
	if err != nil {
		_ = conn.Close()
		return Connection{}, err
	}
	if snap.ID == uuid.Nil {
		_ = conn.Close()
		return Connection{}, fmt.Errorf("connection id %s is already registered", id)
	}
	return snap, nil
}

// Disconnect removes the connection from every group, sends a close frame and
// releases the socket. It returns after the writer stopped and the disconnect hook
// ran. Unknown ids are ignored.
func (r *Registry) Disconnect(id uuid.UUID, code int, reason string) error {
	e, err := call(r, func(reply chan *entry) registryCmd {
		return disconnectCmd{id: id, reply: reply}
	})
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	r.finish(removal{entry: e, code: code, reason: reason})
	return nil
}

// Touch records inbound activity for the idle timer.
func (r *Registry) Touch(id uuid.UUID) {
	r.enqueue(touchCmd{id: id})
}

// UpdateLocation swaps the connection's location group and returns the previous one.
// An empty group leaves the current location without joining another.
func (r *Registry) UpdateLocation(id uuid.UUID, group domain.GroupKey) (domain.GroupKey, error) {
	return r.swapGroup(id, domain.GroupKindLocation, group)
}

// UpdateTeam swaps the connection's team group and returns the previous one.
func (r *Registry) UpdateTeam(id uuid.UUID, group domain.GroupKey) (domain.GroupKey, error) {
	return r.swapGroup(id, domain.GroupKindTeam, group)
}

func (r *Registry) swapGroup(id uuid.UUID, kind domain.GroupKind, group domain.GroupKey) (domain.GroupKey, error) {
	if group != "" && group.Kind() != kind {
		return "", fmt.Errorf("group %q is not a %s group", group, kind)
	}
	res, err := call(r, func(reply chan swapResult) registryCmd {
		return swapGroupCmd{id: id, kind: kind, group: group, reply: reply}
	})
	if err != nil {
		return "", err
	}
	return res.previous, res.err
}

// SendToConnection queues env for every live connection of identity.
// It returns false when no connection accepted the message.
func (r *Registry) SendToConnection(identity domain.Identity, env domain.Envelope) bool {
	data, err := json.Marshal(env.WithoutOrigin())
	if err != nil {
		slog.Error("Failed to marshal envelope", "type", env.Type, "error", err)
		return false
	}
	delivered, err := call(r, func(reply chan int) registryCmd {
		return sendCmd{identity: identity, data: data, reply: reply}
	})
	if err != nil || delivered == 0 {
		metrics.RegistryDeliveryFailures.Inc()
		return false
	}
	return true
}

// Send queues env for one connection.
func (r *Registry) Send(id uuid.UUID, env domain.Envelope) bool {
	data, err := json.Marshal(env.WithoutOrigin())
	if err != nil {
		slog.Error("Failed to marshal envelope", "type", env.Type, "error", err)
		return false
	}
	delivered, err := call(r, func(reply chan int) registryCmd {
		return sendCmd{id: id, data: data, reply: reply}
	})
	if err != nil || delivered == 0 {
		metrics.RegistryDeliveryFailures.Inc()
		return false
	}
	return true
}

// BroadcastToGroup queues env for every connection in group, except the excluded
// identities, and returns how many connections accepted it.
func (r *Registry) BroadcastToGroup(group domain.GroupKey, env domain.Envelope, exclude ...domain.Identity) int {
	data, err := json.Marshal(env.WithoutOrigin())
	if err != nil {
		slog.Error("Failed to marshal envelope", "type", env.Type, "error", err)
		return 0
	}
	delivered, err := call(r, func(reply chan int) registryCmd {
		return broadcastCmd{group: group, data: data, exclude: exclude, reply: reply}
	})
	if err != nil {
		slog.Warn("Broadcast failed", "group", group, "error", err)
		return 0
	}
	return delivered
}

// Members returns snapshots of the connections currently in group.
func (r *Registry) Members(group domain.GroupKey) []Connection {
	members, err := call(r, func(reply chan []Connection) registryCmd {
		return membersCmd{group: group, reply: reply}
	})
	if err != nil {
		return nil
	}
	return members
}

// Lookup returns the snapshot of one connection.
func (r *Registry) Lookup(id uuid.UUID) (Connection, bool) {
	conns, err := call(r, func(reply chan []Connection) registryCmd {
		return lookupCmd{id: id, reply: reply}
	})
	if err != nil || len(conns) == 0 {
		return Connection{}, false
	}
	return conns[0], true
}

// ConnectionsOf returns every live connection of identity.
func (r *Registry) ConnectionsOf(identity domain.Identity) []Connection {
	conns, err := call(r, func(reply chan []Connection) registryCmd {
		return lookupCmd{identity: identity, reply: reply}
	})
	if err != nil {
		return nil
	}
	return conns
}

func (r *Registry) Stats() Stats {
	stats, err := call(r, func(reply chan Stats) registryCmd {
		return statsCmd{reply: reply}
	})
	if err != nil {
		slog.Warn("Stats timed out", "error", err)
		return Stats{ConnectionsByGroup: map[string]int{}, ConnectionsByKind: map[string]int{}}
	}
	return stats
}

// Stop closes every connection with 1001 and stops the actor.
// Blocks until the connections are closed or the stop timeout is reached.
func (r *Registry) Stop() {
	if !r.enqueue(stopCmd{}) {
		return
	}

	timeout := r.clock.NewTimer(r.stopTimeout)
	defer timeout.Stop()

	select {
	case <-r.done:
	case <-timeout.Chan():
		slog.Warn("Registry stop timeout exceeded", "timeout", r.stopTimeout)
		return
	}

	removals := r.pending
	r.pending = nil
	for _, rm := range removals {
		r.finish(rm)
	}
	slog.Info("Registry stopped", "disconnected_clients", len(removals))
}

// finish closes the socket and runs the disconnect hook outside the actor goroutine.
func (r *Registry) finish(rm removal) {
	rm.entry.writer.stop(rm.code, rm.reason)
	metrics.WebSocketConnectionDuration.Observe(r.clock.Since(rm.entry.openedAt).Seconds())
	if r.onDisconnect != nil {
		r.onDisconnect(rm.entry.snapshot())
	}
}

func (r *Registry) enqueue(cmd registryCmd) bool {
	select {
	case r.cmdCh <- cmd:
		return true
	case <-r.done:
		return false
	}
}

var errRegistryStopped = fmt.Errorf("connection registry stopped")

// call sends a command and waits for its reply.
func call[T any](r *Registry, build func(chan T) registryCmd) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if !r.enqueue(build(reply)) {
		return zero, errRegistryStopped
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, errRegistryStopped
		}
	case <-timer.Chan():
		return zero, fmt.Errorf("registry command timed out after %v", commandTimeout)
	}
}

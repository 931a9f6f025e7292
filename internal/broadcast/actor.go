package broadcast

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/sectorpulse/internal/domain"
	"github.com/pscheid92/sectorpulse/internal/metrics"
)

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type connectCmd struct {
	baseRegistryCmd
	entry *entry
	reply chan Connection
}

type disconnectCmd struct {
	baseRegistryCmd
	id    uuid.UUID
	reply chan *entry
}

type touchCmd struct {
	baseRegistryCmd
	id uuid.UUID
}

type swapResult struct {
	previous domain.GroupKey
	err      error
}

type swapGroupCmd struct {
	baseRegistryCmd
	id    uuid.UUID
	kind  domain.GroupKind
	group domain.GroupKey
	reply chan swapResult
}

type sendCmd struct {
	baseRegistryCmd
	identity domain.Identity
	id       uuid.UUID
	data     []byte
	reply    chan int
}

type broadcastCmd struct {
	baseRegistryCmd
	group   domain.GroupKey
	data    []byte
	exclude []domain.Identity
	reply   chan int
}

type membersCmd struct {
	baseRegistryCmd
	group domain.GroupKey
	reply chan []Connection
}

type lookupCmd struct {
	baseRegistryCmd
	id       uuid.UUID
	identity domain.Identity
	reply    chan []Connection
}

type statsCmd struct {
	baseRegistryCmd
	reply chan Stats
}

type stopCmd struct {
	baseRegistryCmd
}

func (r *Registry) run() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Registry panic recovered", "panic", rec)
			metrics.RegistryPanicsTotal.Inc()
			r.removeAll(CloseConnectionError, "registry failure")
		}
	}()

	depthTicker := r.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			r.recordGauges()

		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				c.reply <- r.handleConnect(c.entry)
			case disconnectCmd:
				c.reply <- r.remove(c.id)
			case touchCmd:
				if e, ok := r.connections[c.id]; ok {
					e.writer.touch()
				}
			case swapGroupCmd:
				c.reply <- r.handleSwapGroup(c)
			case sendCmd:
				c.reply <- r.deliver(r.sendTargets(c), c.data, nil)
			case broadcastCmd:
				delivered := r.deliver(r.groups[c.group], c.data, c.exclude)
				metrics.RegistryBroadcastFanout.Observe(float64(delivered))
				c.reply <- delivered
			case membersCmd:
				c.reply <- snapshots(r.groups[c.group])
			case lookupCmd:
				c.reply <- r.handleLookup(c)
			case statsCmd:
				c.reply <- r.stats()
			case stopCmd:
				slog.Info("Registry shutting down", "connections", len(r.connections))
				r.removeAll(CloseGoingAway, shutdownReason)
				return
			default:
				slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (r *Registry) handleConnect(e *entry) Connection {
	if _, dup := r.connections[e.id]; dup {
		return Connection{}
	}
	for _, other := range r.byIdentity[e.identity] {
		if other.admin == e.admin {
			slog.Info("Connection superseded", "identity", e.identity, "connection_id", other.id)
			r.evict(other.id, CloseSuperseded, "superseded by a newer connection")
		}
	}

	r.connections[e.id] = e
	if r.byIdentity[e.identity] == nil {
		r.byIdentity[e.identity] = make(map[uuid.UUID]*entry)
	}
	r.byIdentity[e.identity][e.id] = e
	for g := range e.groups {
		r.join(g, e)
	}
	e.writer.start()

	metrics.RegistryConnectionsCurrent.Set(float64(len(r.connections)))
	slog.Debug("Connection registered", "identity", e.identity, "connection_id", e.id, "total_connections", len(r.connections))
	return e.snapshot()
}

func (r *Registry) handleSwapGroup(c swapGroupCmd) swapResult {
	e, ok := r.connections[c.id]
	if !ok {
		return swapResult{err: domain.ErrConnectionNotFound}
	}
	previous := e.groupOfKind(c.kind)
	if previous == c.group {
		return swapResult{previous: previous}
	}
	if previous != "" {
		r.leave(previous, e)
	}
	if c.group != "" {
		r.join(c.group, e)
	}
	return swapResult{previous: previous}
}

func (r *Registry) sendTargets(c sendCmd) map[uuid.UUID]*entry {
	if c.id == uuid.Nil {
		return r.byIdentity[c.identity]
	}
	if e, ok := r.connections[c.id]; ok {
		return map[uuid.UUID]*entry{c.id: e}
	}
	return nil
}

func (r *Registry) handleLookup(c lookupCmd) []Connection {
	if c.identity != "" {
		return snapshots(r.byIdentity[c.identity])
	}
	if e, ok := r.connections[c.id]; ok {
		return []Connection{e.snapshot()}
	}
	return nil
}

// deliver enqueues data for every target except excluded identities. Targets whose
// writer already exited are removed as dead, full queues as slow consumers.
func (r *Registry) deliver(targets map[uuid.UUID]*entry, data []byte, exclude []domain.Identity) int {
	var slow, dead []uuid.UUID
	delivered := 0
	for id, e := range targets {
		if slices.Contains(exclude, e.identity) {
			continue
		}
		if e.writer.exited() {
			dead = append(dead, id)
			continue
		}
		if e.writer.enqueue(data) {
			delivered++
			continue
		}
		slow = append(slow, id)
	}

	for _, id := range dead {
		slog.Debug("Dropping dead connection", "connection_id", id, "error", targets[id].writer.cause())
		metrics.RegistryDeliveryFailures.Inc()
		r.evict(id, CloseConnectionError, "connection lost")
	}
	for _, id := range slow {
		slog.Warn("Disconnecting slow consumer", "connection_id", id)
		metrics.RegistrySlowConsumersEvicted.Inc()
		r.evict(id, CloseSlowConsumer, "slow consumer")
	}
	return delivered
}

// evict removes a connection from inside the actor and closes it asynchronously.
func (r *Registry) evict(id uuid.UUID, code int, reason string) {
	e := r.remove(id)
	if e == nil {
		return
	}
	go r.finish(removal{entry: e, code: code, reason: reason})
}

// remove deletes the connection from every map. Returns nil when it is unknown.
func (r *Registry) remove(id uuid.UUID) *entry {
	e, ok := r.connections[id]
	if !ok {
		return nil
	}
	delete(r.connections, id)
	if conns := r.byIdentity[e.identity]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.byIdentity, e.identity)
		}
	}
	// e.groups stays intact so the disconnect hook sees the final membership.
	for g := range e.groups {
		r.dropMember(g, id)
	}
	metrics.RegistryConnectionsCurrent.Set(float64(len(r.connections)))
	slog.Debug("Connection removed", "identity", e.identity, "connection_id", id, "remaining_connections", len(r.connections))
	return e
}

func (r *Registry) removeAll(code int, reason string) {
	for id := range r.connections {
		if e := r.remove(id); e != nil {
			r.pending = append(r.pending, removal{entry: e, code: code, reason: reason})
		}
	}
	metrics.RegistryConnectionsCurrent.Set(0)
}

func (r *Registry) join(g domain.GroupKey, e *entry) {
	members := r.groups[g]
	if members == nil {
		members = make(map[uuid.UUID]*entry)
		r.groups[g] = members
	}
	members[e.id] = e
	e.groups[g] = struct{}{}
}

func (r *Registry) leave(g domain.GroupKey, e *entry) {
	delete(e.groups, g)
	r.dropMember(g, e.id)
}

func (r *Registry) dropMember(g domain.GroupKey, id uuid.UUID) {
	members := r.groups[g]
	if members == nil {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, g)
	}
}

func (r *Registry) stats() Stats {
	stats := Stats{
		TotalConnections:   len(r.connections),
		ConnectionsByGroup: make(map[string]int, len(r.groups)),
		ConnectionsByKind:  make(map[string]int),
		UniqueIdentities:   len(r.byIdentity),
	}
	for g, members := range r.groups {
		stats.ConnectionsByGroup[string(g)] = len(members)
		stats.ConnectionsByKind[string(g.Kind())] += len(members)
	}
	return stats
}

func (r *Registry) recordGauges() {
	depth := len(r.cmdCh)
	metrics.RegistryCommandChannelDepth.Set(float64(depth))
	if depth > commandChannelSize*4/5 {
		slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(r.cmdCh))
	}

	byKind := map[domain.GroupKind]int{
		domain.GroupKindGlobal:   0,
		domain.GroupKindLocation: 0,
		domain.GroupKindTeam:     0,
		domain.GroupKindAdmin:    0,
	}
	for g, members := range r.groups {
		byKind[g.Kind()] += len(members)
	}
	for kind, n := range byKind {
		metrics.RegistryGroupMembers.WithLabelValues(string(kind)).Set(float64(n))
	}
}

func snapshots(entries map[uuid.UUID]*entry) []Connection {
	out := make([]Connection, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	slices.SortFunc(out, func(a, b Connection) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return out
}

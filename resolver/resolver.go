// Package resolver tracks only the primary peer of a shard and republishes
// it as add/remove notifications keyed by opaque identifiers.
package resolver

import (
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eyeKill/shardwatch/common"
	"github.com/eyeKill/shardwatch/shard"
)

// restartDelay is the backoff before leaving the failed state.
const restartDelay = time.Second

// State is the resolver's lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Failed
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Record describes the current primary. Key is freshly generated whenever
// a new primary is observed; two distinct primaries never share a key even
// if they share address and port across time.
type Record struct {
	Name    string
	Address string
	Port    int
	Key     string
}

// EventType tags a resolver notification.
type EventType int

const (
	// EventAdded announces a new primary. For a transition it always
	// precedes the removal of the predecessor.
	EventAdded EventType = iota
	// EventRemoved retires a previously added key.
	EventRemoved
)

type Event struct {
	Type   EventType
	Key    string
	Record Record // set for EventAdded
}

// TopologySource is the upstream feed, satisfied by *shard.Client.
type TopologySource interface {
	Notifications() <-chan shard.Event
	Close()
}

// Resolver is a five-state machine over one TopologySource per start
// cycle. Failures tear the source down, back off and start over; the
// last known primary is remembered so its removal pairs with the next
// addition.
type Resolver struct {
	cfg       shard.Config
	log       *zap.Logger
	newSource func() (TopologySource, error)

	mu        sync.Mutex
	state     State
	gen       int // start-cycle generation, fences stale loops and timers
	source    TopologySource
	primary   *Record
	previous  *Record
	lastErr   error
	stoppedCh chan struct{} // non-nil while stopping
	events    *common.Queue[Event]
}

// New builds a resolver over a shard client with the given configuration.
func New(cfg shard.Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Resolver{
		cfg:    cfg,
		log:    cfg.Log,
		events: common.NewQueue[Event](),
	}
	if r.log == nil {
		r.log = common.Log()
	}
	r.newSource = func() (TopologySource, error) {
		return shard.New(cfg)
	}
	return r, nil
}

// NewWithSource builds a resolver over an arbitrary topology source
// factory. Used by consumers that manage their own shard clients.
func NewWithSource(factory func() (TopologySource, error), log *zap.Logger) *Resolver {
	if log == nil {
		log = common.Log()
	}
	return &Resolver{
		log:       log,
		newSource: factory,
		events:    common.NewQueue[Event](),
	}
}

// Notifications is the ordered add/remove stream.
func (r *Resolver) Notifications() <-chan Event {
	return r.events.Chan()
}

func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Count reports how many primaries are currently held: 0 or 1.
func (r *Resolver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.primary == nil {
		return 0
	}
	return 1
}

// List returns the held records keyed by their opaque identifiers.
func (r *Resolver) List() map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Record)
	if r.primary != nil {
		out[r.primary.Key] = *r.primary
	}
	return out
}

// LastError returns the last observed upstream error, or nil.
func (r *Resolver) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Start moves stopped → starting. Calling it in any other state is a
// programming error.
func (r *Resolver) Start() {
	r.mu.Lock()
	if r.state != Stopped {
		r.mu.Unlock()
		r.log.Panic("Start called while not stopped.",
			zap.Stringer("state", r.state))
	}
	r.startLocked()
	r.mu.Unlock()
}

// startLocked enters starting and spins up a fresh source. Caller holds
// r.mu.
func (r *Resolver) startLocked() {
	r.state = Starting
	r.gen++
	gen := r.gen
	src, err := r.newSource()
	if err != nil {
		r.failLocked(err, nil)
		return
	}
	r.source = src
	go r.loop(src, gen)
}

// Stop moves running → stopping → stopped, or failed → stopped. It blocks
// until the underlying source has delivered its close event, so no handle
// outlives the resolver. Calling it in any other state is a programming
// error.
func (r *Resolver) Stop() {
	r.mu.Lock()
	switch r.state {
	case Running:
		r.state = Stopping
		r.gen++
		r.stoppedCh = make(chan struct{})
		ch := r.stoppedCh
		src := r.source
		r.mu.Unlock()
		src.Close()
		<-ch
	case Failed:
		// the failed source is already closed; cancel the pending restart
		r.state = Stopped
		r.gen++
		r.source = nil
		r.mu.Unlock()
	default:
		state := r.state
		r.mu.Unlock()
		r.log.Panic("Stop called while neither running nor failed.",
			zap.Stringer("state", state))
	}
}

// loop consumes one source's notifications until its close event.
func (r *Resolver) loop(src TopologySource, gen int) {
	for ev := range src.Notifications() {
		switch ev.Type {
		case shard.EventReady:
			r.onReady(gen)
		case shard.EventTopology:
			r.onTopology(gen, ev.Topology)
		case shard.EventError:
			r.onError(gen, src, ev.Err)
		case shard.EventClose:
			r.onClosed(src)
			return
		}
	}
	r.onClosed(src)
}

func (r *Resolver) onReady(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.state != Starting {
		return
	}
	r.state = Running
	r.log.Info("Resolver running.")
}

// onTopology applies one published ordering while running. Position 0 is
// the primary; it must be a tcp URL with a literal IP host. Anything else
// violates the upstream contract.
func (r *Resolver) onTopology(gen int, urls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.state != Running {
		return
	}
	if len(urls) == 0 {
		// no peers: keep whatever primary we have
		return
	}
	u, err := url.Parse(urls[0])
	if err != nil || u.Scheme != "tcp" {
		r.log.Panic("Malformed primary URL from shard client.",
			zap.String("url", urls[0]), zap.Error(err))
	}
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		r.log.Panic("Primary URL host is not an IP literal.",
			zap.String("url", urls[0]))
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		r.log.Panic("Primary URL carries no usable port.",
			zap.String("url", urls[0]), zap.Error(err))
	}
	if r.primary != nil && r.primary.Address == host && r.primary.Port == port {
		return
	}
	prev := r.primary
	if prev == nil {
		// cleared on the way through failed; pair its removal here
		prev = r.previous
	}
	np := &Record{Name: "primary", Address: host, Port: port, Key: newKey()}
	r.primary = np
	r.previous = nil
	r.log.Info("New primary.", zap.String("address", host),
		zap.Int("port", port), zap.String("key", np.Key))
	r.events.Push(Event{Type: EventAdded, Key: np.Key, Record: *np})
	if prev != nil {
		r.events.Push(Event{Type: EventRemoved, Key: prev.Key})
	}
}

func (r *Resolver) onError(gen int, src TopologySource, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	if r.state != Starting && r.state != Running {
		return
	}
	r.failLocked(err, src)
}

// failLocked enters failed: record the error, remember the primary for a
// later paired removal, release the source and schedule the restart.
// Caller holds r.mu.
func (r *Resolver) failLocked(err error, src TopologySource) {
	r.state = Failed
	r.lastErr = err
	if r.primary != nil {
		r.previous = r.primary
		r.primary = nil
	}
	r.source = nil
	r.gen++
	gen := r.gen
	r.log.Error("Upstream failed, restarting shortly.", zap.Error(err))
	if src != nil {
		go src.Close()
	}
	time.AfterFunc(restartDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if gen != r.gen || r.state != Failed {
			return
		}
		r.startLocked()
	})
}

// onClosed finishes a stop cycle, or just drops the reference when the
// source died outside one.
func (r *Resolver) onClosed(src TopologySource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Stopping {
		r.state = Stopped
		r.source = nil
		if r.stoppedCh != nil {
			close(r.stoppedCh)
			r.stoppedCh = nil
		}
		r.log.Info("Resolver stopped.")
		return
	}
	if r.source == src {
		r.source = nil
	}
}

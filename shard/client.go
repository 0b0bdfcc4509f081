// Package shard implements a read-only discovery client for one
// replication shard coordinated through zookeeper. It watches the
// cluster-state node and the election directory and publishes the derived
// peer ordering as an ordered event stream.
package shard

import (
	"errors"
	"path"
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/eyeKill/shardwatch/common"
	"github.com/eyeKill/shardwatch/topology"
)

const (
	stateNodeName    = "state"
	electionNodeName = "election"
)

// ErrInvalidClusterState is surfaced through EventError when the state
// node holds unparseable JSON. The client is dead afterwards; build a new
// one.
var ErrInvalidClusterState = errors.New("shard: invalid cluster state: malformed JSON")

// Client owns one zookeeper session per shard and keeps two NodeWatchers
// armed on it. Sessions are rebuilt transparently on expiry; the ready
// notification is sticky across rebuilds.
type Client struct {
	cfg Config
	log *zap.Logger

	mu              sync.Mutex
	conn            *zk.Conn
	watchesSet      bool // once per session
	resetting       bool // once per session
	stateWatcher    *NodeWatcher
	electionWatcher *NodeWatcher
	stateReady      bool
	electionReady   bool
	clusterState    *topology.ClusterState
	actives         []string // sorted election children, nil when unknown
	urls            []string // last published ordering, for debouncing

	inited *atomic.Bool
	closed *atomic.Bool
	events *common.Queue[Event]
	done   chan struct{}
}

// New validates the configuration and starts the session in the
// background. Subscribe to Notifications before relying on event order;
// the stream itself is never dropped, only buffered.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		log:    cfg.Log,
		inited: atomic.NewBool(false),
		closed: atomic.NewBool(false),
		events: common.NewQueue[Event](),
		done:   make(chan struct{}),
	}
	go c.connect()
	return c, nil
}

// Notifications is the ordered outbound stream. The channel closes after
// the close event has been delivered.
func (c *Client) Notifications() <-chan Event {
	return c.events.Chan()
}

func (c *Client) Path() string {
	return c.cfg.Path
}

func (c *Client) StatePath() string {
	return path.Join(c.cfg.Path, stateNodeName)
}

func (c *Client) ElectionPath() string {
	return path.Join(c.cfg.Path, electionNodeName)
}

// LastTopology returns a copy of the most recently derived ordering.
func (c *Client) LastTopology() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}

// connect dials the ensemble and hands the session events to sessionLoop.
// Dial failures are retried per the configured spin delay and retry count
// before being surfaced.
func (c *Client) connect() {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.ZK.Opts.Retries; attempt++ {
		if c.closed.Load() {
			return
		}
		conn, events, err := common.ConnectToZk(c.cfg.Servers(), c.cfg.ZK.Opts.SessionTimeout, c.log)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.watchesSet = false
			c.resetting = false
			c.mu.Unlock()
			go c.sessionLoop(conn, events)
			return
		}
		lastErr = err
		c.log.Warn("Failed to reach zookeeper ensemble.",
			zap.String("connStr", c.cfg.ZK.ConnStr), zap.Error(err))
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ZK.Opts.SpinDelay):
		}
	}
	c.emit(Event{Type: EventError, Err: lastErr})
}

// sessionLoop drives one session's lifecycle events. Disconnects are left
// to the zookeeper client to ride out; expiry tears the session down and
// rebuilds from scratch.
func (c *Client) sessionLoop(conn *zk.Conn, events <-chan zk.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			switch ev.State {
			case zk.StateHasSession:
				c.setWatches(conn)
			case zk.StateExpired:
				c.resetZkClient(conn)
				return
			case zk.StateAuthFailed:
				c.log.Error("Zookeeper authentication failed.",
					zap.String("path", c.cfg.Path))
			case zk.StateDisconnected:
				c.log.Warn("Zookeeper connection lost, waiting for recovery.",
					zap.String("path", c.cfg.Path))
			}
		case <-c.done:
			return
		}
	}
}

// setWatches arms the state watcher, then the election watcher. Guarded to
// run at most once per session; reconnects within one session keep the
// existing watchers.
func (c *Client) setWatches(conn *zk.Conn) {
	c.mu.Lock()
	if c.watchesSet || c.closed.Load() {
		c.mu.Unlock()
		return
	}
	c.watchesSet = true
	c.stateReady = false
	c.electionReady = false
	sw := NewNodeWatcher(conn, c.StatePath(), c.log)
	ew := NewNodeWatcher(conn, c.ElectionPath(), c.log)
	c.stateWatcher = sw
	c.electionWatcher = ew
	c.mu.Unlock()

	sw.Watch(func(_ error, view NodeView) {
		c.handleClusterState(view)
		c.watcherReady(&c.stateReady)
	}, c.handleClusterState)
	ew.Watch(func(_ error, view NodeView) {
		c.handleActive(view)
		c.watcherReady(&c.electionReady)
	}, c.handleActive)
}

// watcherReady latches inited once both initial reads have completed and
// queues the single ready notification followed by the current topology,
// in that order. Later sessions find inited already set and skip both.
func (c *Client) watcherReady(flag *bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*flag = true
	if !c.stateReady || !c.electionReady {
		return
	}
	if !c.inited.CompareAndSwap(false, true) {
		return
	}
	c.events.Push(Event{Type: EventReady})
	c.events.Push(Event{Type: EventTopology, Topology: append([]string(nil), c.urls...)})
}

// handleClusterState processes every resolved read of the state node.
func (c *Client) handleClusterState(view NodeView) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if view.Data == nil {
		if !c.inited.Load() {
			// startup absence is normal
			return
		}
		c.clusterState = nil
		if c.actives != nil {
			c.maybeEmitLocked()
		}
		return
	}
	state, err := topology.ParseClusterState(view.Data)
	if err != nil {
		c.log.Error("Cluster state node holds malformed JSON.",
			zap.String("path", c.StatePath()), zap.Error(err))
		c.events.Push(Event{Type: EventError, Err: ErrInvalidClusterState})
		return
	}
	c.clusterState = state
	c.maybeEmitLocked()
}

// handleActive processes every resolved read of the election directory.
// While a cluster state is present it only records the children; the state
// document wins.
func (c *Client) handleActive(view NodeView) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if view.Children == nil {
		c.actives = nil
		return
	}
	c.actives = topology.SortChildren(view.Children)
	if c.clusterState != nil {
		return
	}
	c.maybeEmitLocked()
}

// maybeEmitLocked reduces the current sources and publishes the result
// unless it is element-wise identical to the last published ordering.
// Caller holds c.mu.
func (c *Client) maybeEmitLocked() {
	urls := topology.Reduce(c.clusterState, c.actives)
	if topology.Equal(urls, c.urls) {
		return
	}
	c.urls = urls
	if !c.inited.Load() {
		return
	}
	c.log.Info("Topology changed.", zap.Strings("urls", urls))
	c.events.Push(Event{Type: EventTopology, Topology: append([]string(nil), urls...)})
}

// resetZkClient tears down an expired session and re-enters connect.
// Guarded to run at most once per session; inited survives so ready is
// never re-emitted.
func (c *Client) resetZkClient(conn *zk.Conn) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	if c.resetting || conn != c.conn {
		c.mu.Unlock()
		return
	}
	c.resetting = true
	sw, ew := c.stateWatcher, c.electionWatcher
	c.stateWatcher, c.electionWatcher = nil, nil
	c.conn = nil
	c.mu.Unlock()

	c.log.Warn("Zookeeper session expired, rebuilding.",
		zap.String("path", c.cfg.Path))
	if sw != nil {
		sw.Stop()
	}
	if ew != nil {
		ew.Stop()
	}
	conn.Close()
	go c.connect()
}

// Close stops both watchers, releases the session and emits the single
// close event. Safe to call more than once.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.mu.Lock()
	conn := c.conn
	sw, ew := c.stateWatcher, c.electionWatcher
	c.conn = nil
	c.stateWatcher, c.electionWatcher = nil, nil
	c.mu.Unlock()
	if sw != nil {
		sw.Stop()
	}
	if ew != nil {
		ew.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	c.events.Push(Event{Type: EventClose})
	c.events.Close()
}

func (c *Client) emit(ev Event) {
	if c.closed.Load() {
		return
	}
	c.events.Push(ev)
}

package shard

import (
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// retryDelay paces re-reads after transient zookeeper errors.
const retryDelay = 5 * time.Second

// NodeView is the live picture of one znode. A nil Stat means the node
// does not exist; Children is nil until the children chain has read it.
type NodeView struct {
	Data     []byte
	Stat     *zk.Stat
	Children []string
}

func (v NodeView) Exists() bool {
	return v.Stat != nil
}

// NodeWatcher maintains a NodeView for a single path by chaining one-shot
// zookeeper watches. The initial snapshot is delivered exactly once through
// the ready callback; every later resolved read goes through the change
// callback. Node absence is a normal state, not an error.
type NodeWatcher struct {
	conn *zk.Conn
	path string
	log  *zap.Logger

	// mu serializes view mutation and callback delivery, so consumers
	// never observe a change before the snapshot.
	mu    sync.Mutex
	view  NodeView
	ready bool
	// childrenGen fences children-chain incarnations: each node
	// recreation bumps it, and only the loop carrying the current value
	// may touch the view. A stale loop that wakes up after a tight
	// delete+recreate cycle fences itself out instead of clobbering the
	// live chain's bookkeeping.
	childrenGen int
	onReady     func(err error, view NodeView)
	onChange    func(view NodeView)

	stopped *atomic.Bool
	done    chan struct{}
}

func NewNodeWatcher(conn *zk.Conn, path string, log *zap.Logger) *NodeWatcher {
	return &NodeWatcher{
		conn:    conn,
		path:    path,
		log:     log,
		stopped: atomic.NewBool(false),
		done:    make(chan struct{}),
	}
}

// Watch starts the data chain. onReady fires exactly once with the initial
// snapshot; onChange fires for every detected change until Stop.
func (w *NodeWatcher) Watch(onReady func(err error, view NodeView), onChange func(view NodeView)) {
	w.onReady = onReady
	w.onChange = onChange
	go w.dataLoop()
}

// Stop cancels both chains. Pending steps observe the flag at entry and
// return without scheduling further zookeeper calls.
func (w *NodeWatcher) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.done)
	}
}

// View returns a snapshot of the current view.
func (w *NodeWatcher) View() NodeView {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view
}

// dataLoop is the data chain: read data and version under a one-shot data
// watch, re-entering on every watch fire. While the node is absent the
// chain parks behind an existence watch.
func (w *NodeWatcher) dataLoop() {
	for !w.stopped.Load() {
		data, stat, ev, err := w.conn.GetW(w.path)
		switch err {
		case nil:
			w.applyData(data, stat)
			if !w.waitEvent(ev) {
				return
			}
		case zk.ErrNoNode:
			w.applyMissing()
			exists, _, eev, eerr := w.conn.ExistsW(w.path)
			if eerr != nil {
				if !w.sleepRetry(eerr) {
					return
				}
				continue
			}
			if exists {
				// created between the two calls, re-read immediately
				continue
			}
			if !w.waitEvent(eev) {
				return
			}
		default:
			if !w.sleepRetry(err) {
				return
			}
		}
	}
}

// childrenLoop is the children chain for one incarnation of the node. It
// stops silently on NO_NODE; the data chain starts a fresh chain with a
// new generation when the node reappears, since children watches do not
// survive node deletion.
func (w *NodeWatcher) childrenLoop(gen int) {
	for !w.stopped.Load() {
		if !w.childrenCurrent(gen) {
			return
		}
		children, _, ev, err := w.conn.ChildrenW(w.path)
		switch err {
		case nil:
			if !w.applyChildren(gen, children) {
				return
			}
			if !w.waitEvent(ev) {
				return
			}
		case zk.ErrNoNode:
			w.endChildren(gen)
			return
		default:
			if !w.sleepRetry(err) {
				return
			}
		}
	}
}

func (w *NodeWatcher) applyData(data []byte, stat *zk.Stat) {
	w.mu.Lock()
	defer w.mu.Unlock()
	created := w.view.Stat == nil
	w.view.Data = data
	w.view.Stat = stat
	if created {
		// every recreation gets its own chain; any older one fences
		// itself out on its next step
		w.childrenGen++
		go w.childrenLoop(w.childrenGen)
	}
	if !w.ready {
		// the snapshot completes on the children side when the node exists
		return
	}
	w.onChange(w.view)
}

func (w *NodeWatcher) applyMissing() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.view = NodeView{}
	if !w.ready {
		w.ready = true
		w.onReady(nil, w.view)
		return
	}
	w.onChange(w.view)
}

// applyChildren records a children read, reporting false when the calling
// chain has been superseded.
func (w *NodeWatcher) applyChildren(gen int, children []string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.childrenGen {
		return false
	}
	w.view.Children = children
	if !w.ready {
		w.ready = true
		w.onReady(nil, w.view)
		return true
	}
	w.onChange(w.view)
	return true
}

// endChildren resolves readiness when the current chain finds the parent
// already gone between the initial data read and the first children read.
// Stale chains resolve nothing.
func (w *NodeWatcher) endChildren(gen int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.childrenGen {
		return
	}
	if !w.ready {
		w.ready = true
		w.onReady(nil, w.view)
	}
}

func (w *NodeWatcher) childrenCurrent(gen int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return gen == w.childrenGen
}

func (w *NodeWatcher) waitEvent(ev <-chan zk.Event) bool {
	select {
	case <-ev:
		return !w.stopped.Load()
	case <-w.done:
		return false
	}
}

func (w *NodeWatcher) sleepRetry(err error) bool {
	w.log.Warn("Transient zookeeper read failure, retrying.",
		zap.String("path", w.path), zap.Error(err))
	t := time.NewTimer(retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return !w.stopped.Load()
	case <-w.done:
		return false
	}
}

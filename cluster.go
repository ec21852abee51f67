package clusterc

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/hashicorp/go-multierror"
)

const hashSlots = 16384

// defaultMaxRefreshQueue is the bound on the pending-refresh queue
// when MaxRefreshQueue is not set.
const defaultMaxRefreshQueue = 16

// ReplicaPolicy controls how read commands are routed among the nodes
// that serve a slot.
type ReplicaPolicy int

const (
	// ReplicaNever routes every command to the slot's primary.
	ReplicaNever ReplicaPolicy = iota
	// ReplicaAlways routes read commands to a random replica of the
	// slot, falling back to the primary if none is known.
	ReplicaAlways
	// ReplicaShare routes read commands to a random node among the
	// primary and its replicas.
	ReplicaShare
)

// Cluster manages the client's view of the key/value cluster. The
// exported fields configure it and must be set before first use.
type Cluster struct {
	// StartupNodes is the list of initial node addresses, as
	// "host:port" values.
	StartupNodes []string

	// DialOptions is the list of options to set on each new
	// connection.
	DialOptions []redis.DialOption

	// CreatePool is the function called to create the connection
	// pool for a node address. If nil, a default pool is created.
	CreatePool func(addr string, opts ...redis.DialOption) (*redis.Pool, error)

	// RefreshInterval, if positive, re-runs slot discovery
	// periodically at that interval.
	RefreshInterval time.Duration

	// ReadyTimeout bounds how long a refresh waits for a node to
	// become available when none is known. Zero means wait forever.
	ReadyTimeout time.Duration

	// MaxRefreshQueue bounds the number of callers that may wait on
	// an in-flight refresh. Zero means 16.
	MaxRefreshQueue int

	// RejectRefreshOverflow selects the overflow policy of the
	// pending-refresh queue. When false (the default), the eldest
	// waiter is evicted with ErrRefreshQueueFull to make room; when
	// true, the newcomer is rejected instead.
	RejectRefreshOverflow bool

	// ReplicaReads is the routing policy for read commands.
	ReplicaReads ReplicaPolicy

	// Logger, if set, receives the cluster's lifecycle events.
	Logger *slog.Logger

	mu         sync.Mutex
	err        error                // closed error, set once
	nodes      map[string]*node     // addr -> node, nil entry = tombstone
	mapping    [hashSlots][]string  // slot -> addresses, primary first
	populated  bool                 // mapping has been filled at least once
	refreshing bool                 // a refresh is in flight
	refreshQ   []chan error         // refresh waiters, eldest first
	wasReady   bool                 // aggregate readiness bit
	readyCh    chan struct{}        // closed when a node becomes ready
	stopCh     chan struct{}        // stops the periodic refresh
	started    bool
	subs       []chan Event

	// test hook for the retry wait strategy
	newBackoff func() backoff.BackOff
}

// a *rand.Rand is not safe for concurrent access
var rnd = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

// Start prepares the cluster for use and arms the periodic refresh if
// RefreshInterval is set. It returns ErrClosed once the cluster is
// closed; the configuration fields are not checked. It is idempotent
// and is called implicitly by the first command or refresh.
func (c *Cluster) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked()
}

func (c *Cluster) startLocked() error {
	if c.err != nil {
		return c.err
	}
	if c.started {
		return nil
	}
	c.started = true
	if c.readyCh == nil {
		c.readyCh = make(chan struct{})
	}
	if c.RefreshInterval > 0 {
		c.stopCh = make(chan struct{})
		go c.refreshLoop(c.RefreshInterval, c.stopCh)
	}
	return nil
}

func (c *Cluster) refreshLoop(every time.Duration, stop chan struct{}) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if err := c.Refresh(); err != nil && err != ErrClosed {
				c.emit(ErrorEvent{Err: err})
			}
		}
	}
}

// Refresh updates the cluster's mapping of hash slots to nodes by
// asking a live node for the slot allocation. If a refresh is already
// in flight the call waits for its result; at most one slot
// enumeration is on the wire at any time.
//
// It should typically be called after creating the Cluster and before
// using it. The mapping is kept up-to-date automatically afterwards,
// based on MOVED replies and connection errors.
func (c *Cluster) Refresh() error {
	ch, err := c.enqueueRefresh()
	if err != nil {
		return err
	}
	return <-ch
}

// enqueueRefresh registers a waiter for the next refresh result,
// starting a refresh if none is in flight. It applies the bounded
// queue's overflow policy.
func (c *Cluster) enqueueRefresh() (chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.startLocked(); err != nil {
		return nil, err
	}

	ch := make(chan error, 1)
	if c.refreshing {
		max := c.MaxRefreshQueue
		if max <= 0 {
			max = defaultMaxRefreshQueue
		}
		if len(c.refreshQ) >= max {
			if c.RejectRefreshOverflow {
				return nil, ErrRefreshQueueFull
			}
			eldest := c.refreshQ[0]
			c.refreshQ = c.refreshQ[1:]
			eldest <- ErrRefreshQueueFull
		}
		c.refreshQ = append(c.refreshQ, ch)
		return ch, nil
	}

	c.refreshing = true
	c.refreshQ = append(c.refreshQ, ch)
	go c.refresh()
	return ch, nil
}

// needsRefresh handles automatic updates of the mapping: the
// redirection's hint is applied immediately and a background refresh
// is started unless one is already running.
func (c *Cluster) needsRefresh(re *RedirError) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	if re != nil {
		c.mapping[re.NewSlot] = []string{re.Addr}
	}
	if !c.refreshing {
		// refreshing is reset only once the refresh goroutine has
		// finished updating the mapping, so a new goroutine is only
		// started if none is running.
		c.refreshing = true
		go c.refresh()
	}
	c.mu.Unlock()
}

// refresh performs the slot discovery and delivers its result to
// every waiter registered at completion time.
func (c *Cluster) refresh() {
	err := c.refreshOnce()

	c.mu.Lock()
	q := c.refreshQ
	c.refreshQ = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, ch := range q {
		ch <- err
	}
	if len(q) == 0 && err != nil && err != ErrClosed {
		// nobody is waiting for this result, report it as an event
		c.emit(ErrorEvent{Err: err})
	}
}

func (c *Cluster) refreshOnce() error {
	addrs, err := c.refreshAddrs()
	if err != nil {
		return err
	}

	rnd.Lock()
	perms := rnd.Perm(len(addrs))
	rnd.Unlock()

	var merr *multierror.Error
	for _, ix := range perms {
		c.mu.Lock()
		closed := c.err
		c.mu.Unlock()
		if closed != nil {
			return closed
		}

		addr := addrs[ix]
		m, err := c.getClusterSlots(addr)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		c.applyMapping(m)
		return nil
	}

	return fmt.Errorf("clusterc: couldn't get slot allocation: %w", merr.ErrorOrNil())
}

// refreshAddrs returns the addresses to try for slot discovery: the
// live nodes, the addresses of the current mapping and the startup
// nodes. If none exist, it waits up to ReadyTimeout for a node to
// appear.
func (c *Cluster) refreshAddrs() ([]string, error) {
	var timeout <-chan time.Time
	if c.ReadyTimeout > 0 {
		t := time.NewTimer(c.ReadyTimeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		c.mu.Lock()
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		set := make(map[string]bool)
		for addr, n := range c.nodes {
			if n != nil {
				set[addr] = true
			}
		}
		for _, addrs := range &c.mapping {
			for _, addr := range addrs {
				set[addr] = true
			}
		}
		for _, addr := range c.StartupNodes {
			set[addr] = true
		}
		ready := c.readyCh
		c.mu.Unlock()

		if len(set) > 0 {
			addrs := make([]string, 0, len(set))
			for addr := range set {
				addrs = append(addrs, addr)
			}
			return addrs, nil
		}

		// no node is known at all, wait for one to become ready
		select {
		case <-ready:
		case <-timeout:
			return nil, ErrReadyTimeout
		}
	}
}

type slotMapping struct {
	start, end int
	addrs      []string // primary first, then replicas
}

// getClusterSlots asks the node at addr for the cluster's slot
// allocation.
func (c *Cluster) getClusterSlots(addr string) ([]slotMapping, error) {
	n, err := c.getNode(addr)
	if err != nil {
		return nil, err
	}
	conn, err := n.getConn()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	c.noteReady(n)

	vals, err := redis.Values(conn.Do("CLUSTER", "SLOTS"))
	if err != nil {
		return nil, err
	}

	m := make([]slotMapping, 0, len(vals))
	for len(vals) > 0 {
		var slotRange []interface{}
		vals, err = redis.Scan(vals, &slotRange)
		if err != nil {
			return nil, err
		}

		var start, end int
		if slotRange, err = redis.Scan(slotRange, &start, &end); err != nil {
			return nil, err
		}

		sm := slotMapping{start: start, end: end}
		for len(slotRange) > 0 {
			var nodeVals []interface{}
			slotRange, err = redis.Scan(slotRange, &nodeVals)
			if err != nil {
				return nil, err
			}
			var host string
			var port int
			if _, err = redis.Scan(nodeVals, &host, &port); err != nil {
				return nil, err
			}
			if host == "" {
				// a node may not know its own address
				host, _, _ = splitAddr(addr)
			}
			sm.addrs = append(sm.addrs, host+":"+strconv.Itoa(port))
		}
		m = append(m, sm)
	}
	return m, nil
}

// applyMapping replaces the slot mapping with the new allocation and
// prunes the nodes that are no longer part of the cluster.
func (c *Cluster) applyMapping(m []slotMapping) {
	var mapping [hashSlots][]string
	members := make(map[string]bool)
	for _, sm := range m {
		for _, addr := range sm.addrs {
			members[addr] = true
		}
		for ix := sm.start; ix <= sm.end && ix < hashSlots; ix++ {
			mapping[ix] = sm.addrs
		}
	}

	var gone []*node
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.mapping = mapping
	c.populated = true
	for addr, n := range c.nodes {
		if n != nil && !members[addr] {
			gone = append(gone, n)
			c.nodes[addr] = nil
		}
	}
	c.mu.Unlock()

	for _, n := range gone {
		n.close()
	}
	if len(gone) > 0 {
		c.recomputeState()
	}
}

// getNode returns the live node client for addr, creating it (and its
// pool) if the entry is missing or tombstoned.
func (c *Cluster) getNode(addr string) (*node, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	if n := c.nodes[addr]; n != nil {
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	pool, err := c.createPool(addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		pool.Close()
		return nil, err
	}
	if n := c.nodes[addr]; n != nil {
		// another goroutine won the race
		c.mu.Unlock()
		pool.Close()
		return n, nil
	}
	if c.nodes == nil {
		c.nodes = make(map[string]*node, len(c.StartupNodes))
	}
	n := &node{addr: addr, pool: pool}
	c.nodes[addr] = n
	c.mu.Unlock()
	return n, nil
}

func (c *Cluster) createPool(addr string) (*redis.Pool, error) {
	if c.CreatePool != nil {
		return c.CreatePool(addr, c.DialOptions...)
	}
	opts := c.DialOptions
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr, opts...)
		},
	}, nil
}

// randomNode returns a random node to use when the slot has no known
// owner: a ready node if one exists, any live node otherwise, or a
// node created from the startup list as a last resort.
func (c *Cluster) randomNode() (*node, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	var live, ready []*node
	for _, n := range c.nodes {
		if n == nil {
			continue
		}
		live = append(live, n)
		if n.isReady() {
			ready = append(ready, n)
		}
	}
	seeds := c.StartupNodes
	c.mu.Unlock()

	pick := ready
	if len(pick) == 0 {
		pick = live
	}
	if len(pick) > 0 {
		rnd.Lock()
		n := pick[rnd.Intn(len(pick))]
		rnd.Unlock()
		return n, nil
	}
	if len(seeds) > 0 {
		rnd.Lock()
		addr := seeds[rnd.Intn(len(seeds))]
		rnd.Unlock()
		return c.getNode(addr)
	}
	return nil, ErrNoNode
}

// noteReady records that a connection to n succeeded, flipping the
// aggregate readiness bit if this is the first ready node.
func (c *Cluster) noteReady(n *node) {
	if !n.markReady() {
		return
	}
	c.mu.Lock()
	first := !c.wasReady
	c.wasReady = true
	if first && c.readyCh != nil {
		close(c.readyCh)
	}
	c.mu.Unlock()
	if first {
		c.emit(ReadyEvent{})
	}
}

// handleConnError reacts to a broken connection to n: the pool entry
// is tombstoned so the next use recreates it, the connectionError
// event is emitted and a background refresh is triggered.
func (c *Cluster) handleConnError(n *node, err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	if c.nodes[n.addr] == n {
		c.nodes[n.addr] = nil
	}
	c.mu.Unlock()
	n.close()

	c.emit(ConnectionErrorEvent{Addr: n.addr, Err: err})
	c.recomputeState()
	c.needsRefresh(nil)
}

// recomputeState re-evaluates aggregate readiness and endedness after
// nodes were removed, emitting unready and end as warranted.
func (c *Cluster) recomputeState() {
	c.mu.Lock()
	var liveReady bool
	allEnded := true
	for _, n := range c.nodes {
		if n == nil {
			continue
		}
		allEnded = false
		if n.isReady() {
			liveReady = true
		}
	}
	droppedReady := c.wasReady && !liveReady
	if droppedReady {
		c.wasReady = false
		c.readyCh = make(chan struct{})
	}
	ended := allEnded && c.started
	c.mu.Unlock()

	if droppedReady {
		c.emit(UnreadyEvent{})
	}
	if droppedReady && ended {
		c.emit(EndEvent{})
	}
}

// Stats returns the current statistics of the live nodes' pools,
// keyed by node address.
func (c *Cluster) Stats() map[string]redis.PoolStats {
	c.mu.Lock()
	stats := make(map[string]redis.PoolStats, len(c.nodes))
	for addr, n := range c.nodes {
		if n != nil {
			stats[addr] = n.pool.Stats()
		}
	}
	c.mu.Unlock()
	return stats
}

// EachNode calls fn with the address of each live node. If fn returns
// an error, the iteration stops and the error is returned.
func (c *Cluster) EachNode(fn func(addr string) error) error {
	c.mu.Lock()
	addrs := make([]string, 0, len(c.nodes))
	for addr, n := range c.nodes {
		if n != nil {
			addrs = append(addrs, addr)
		}
	}
	c.mu.Unlock()

	for _, addr := range addrs {
		if err := fn(addr); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the resources used by the cluster: the periodic
// refresh is stopped, pending refresh waiters are failed, every node
// is shut down and new commands are rejected. It reports the
// aggregated close errors of the nodes, if any.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.err = ErrClosed
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	q := c.refreshQ
	c.refreshQ = nil
	var nodes []*node
	for _, n := range c.nodes {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	c.mu.Unlock()

	for _, ch := range q {
		ch <- ErrClosed
	}

	var merr *multierror.Error
	for _, n := range nodes {
		if err := n.close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	c.emit(EndEvent{})
	return merr.ErrorOrNil()
}

func splitAddr(addr string) (host, port string, ok bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], true
		}
	}
	return addr, "", false
}

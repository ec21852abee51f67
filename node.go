package clusterc

import (
	"sync"

	"github.com/gomodule/redigo/redis"
)

// node is the client for a single cluster node. It owns the
// connection pool for its address and tracks whether the node was
// last told to serve reads from its replica data set, so that the
// READONLY/READWRITE directives are only sent on transitions.
type node struct {
	addr string
	pool *redis.Pool

	mu          sync.Mutex
	replicaMode bool // last routing directive sent was READONLY
	ready       bool // a connection was successfully established
	ended       bool // the pool has been closed
}

// getConn checks out a connection from the node's pool.
func (n *node) getConn() (redis.Conn, error) {
	conn := n.pool.Get()
	if err := conn.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// do executes cmd on the node. The replica-read mode is reconciled
// first: if the chosen role for this call (replica) does not match the
// node's current mode, the corresponding directive is pipelined in
// front of the command. When asking is true, the single-shot ASKING
// directive is pipelined too. Directive replies are consumed and
// discarded, only the command's own reply is returned.
func (n *node) do(asking, replica bool, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := n.getConn()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	pending := 0
	n.mu.Lock()
	switch {
	case replica && !n.replicaMode:
		n.replicaMode = true
		pending++
		err = conn.Send("READONLY")
	case !replica && n.replicaMode:
		n.replicaMode = false
		pending++
		err = conn.Send("READWRITE")
	}
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if asking {
		if err := conn.Send("ASKING"); err != nil {
			return nil, err
		}
		pending++
	}
	if err := conn.Send(cmd, args...); err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}

	// read the directive replies first, ignoring error replies (the
	// mode switch is fire-and-forget), but aborting on a broken
	// connection.
	for i := 0; i < pending; i++ {
		if _, err := conn.Receive(); err != nil {
			if _, ok := err.(redis.Error); !ok {
				return nil, err
			}
		}
	}
	return conn.Receive()
}

// markReady records that a connection to the node was successfully
// established. It reports whether this was the first time.
func (n *node) markReady() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ready {
		return false
	}
	n.ready = true
	return true
}

func (n *node) isReady() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ready
}

// close shuts down the node's pool. It is idempotent.
func (n *node) close() error {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return nil
	}
	n.ended = true
	n.mu.Unlock()
	return n.pool.Close()
}

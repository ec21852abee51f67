package clusterc

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
)

// maxAttempts is the hard budget of node invocations for a single
// command, across redirections and retries.
const maxAttempts = 16

// newRetryBackoff returns the wait strategy for TRYAGAIN and
// CLUSTERDOWN replies: the delay doubles from 20ms up to a 1.28s
// ceiling, without jitter.
func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 1280 * time.Millisecond
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Do executes a single command on the node that serves the command's
// key, following MOVED and ASK redirections and retrying TRYAGAIN and
// CLUSTERDOWN replies, within a budget of 16 attempts. Multi-key
// commands whose keys may span slots (MGET, MSET, DEL, ...) are split
// into single-slot sub-commands and reassembled transparently.
func (c *Cluster) Do(cmd string, args ...interface{}) (interface{}, error) {
	return c.exec(cmd, false, args)
}

// DoRead is like Do but marks the command as a read, so that the
// ReplicaReads policy may route it to a replica of the key's slot.
func (c *Cluster) DoRead(cmd string, args ...interface{}) (interface{}, error) {
	return c.exec(cmd, true, args)
}

func (c *Cluster) exec(cmd string, readOnly bool, args []interface{}) (interface{}, error) {
	if err := c.Start(); err != nil {
		return nil, err
	}

	args = flattenKeys(args)
	if mk, ok := multiKeyCmds[normalizeCmd(cmd)]; ok && len(args) > mk.interval {
		return c.split(cmd, mk, readOnly, args)
	}

	key, ok := routingKey(args)
	if !ok {
		return nil, errNoKeyCmd(cmd)
	}
	return c.execSlot(Slot(key), cmd, readOnly, args)
}

// execSlot runs the redirect/retry state machine for a single command
// against the given slot.
func (c *Cluster) execSlot(slot int, cmd string, readOnly bool, args []interface{}) (interface{}, error) {
	c.mu.Lock()
	populated := c.populated
	c.mu.Unlock()
	if !populated {
		if err := c.Refresh(); err != nil {
			return nil, err
		}
	}

	var (
		bo        backoff.BackOff
		forceAddr string
		asking    bool
		lastErr   error
	)
	for attempts := maxAttempts; attempts > 0; attempts-- {
		n, replica, err := c.nodeForSlot(slot, readOnly, forceAddr)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, ErrNoNode
		}

		v, err := n.do(asking, replica, cmd, args...)
		asking = false
		forceAddr = ""
		if err == nil {
			c.noteReady(n)
			return v, nil
		}
		lastErr = err

		if _, ok := err.(redis.Error); ok {
			c.noteReady(n)
		}
		if re := ParseRedir(err); re != nil {
			if re.Type == "MOVED" {
				// follow the server's hint immediately, the refresh
				// is not awaited
				c.needsRefresh(re)
			} else {
				asking = true
			}
			forceAddr = re.Addr
			continue
		}
		if IsTryAgain(err) || IsClusterDown(err) {
			if bo == nil {
				if c.newBackoff != nil {
					bo = c.newBackoff()
				} else {
					bo = newRetryBackoff()
				}
			}
			time.Sleep(bo.NextBackOff())
			continue
		}
		if isConnError(err) {
			c.handleConnError(n, err)
			return nil, err
		}
		return nil, err
	}
	return nil, lastErr
}

// nodeForSlot selects the node for a command on slot, applying the
// replica-read policy. When forceAddr is set (a redirection target),
// that node is used as a primary. A nil node with a nil error means
// no node could be selected.
func (c *Cluster) nodeForSlot(slot int, readOnly bool, forceAddr string) (n *node, replica bool, err error) {
	if forceAddr != "" {
		n, err = c.getNode(forceAddr)
		return n, false, err
	}

	c.mu.Lock()
	addrs := c.mapping[slot]
	policy := c.ReplicaReads
	c.mu.Unlock()

	if len(addrs) == 0 {
		// slot not covered: any ready node will do
		n, err = c.randomNode()
		return n, false, err
	}

	ix := 0
	if readOnly && len(addrs) > 1 {
		switch policy {
		case ReplicaAlways:
			rnd.Lock()
			ix = 1 + rnd.Intn(len(addrs)-1)
			rnd.Unlock()
		case ReplicaShare:
			rnd.Lock()
			ix = rnd.Intn(len(addrs))
			rnd.Unlock()
		}
	}
	n, err = c.getNode(addrs[ix])
	return n, ix > 0, err
}

// routingKey extracts the routing key from the command arguments: the
// first argument, or its first element if it is a sequence.
func routingKey(args []interface{}) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	switch k := args[0].(type) {
	case string:
		return k, true
	case []byte:
		return string(k), true
	case []string:
		if len(k) == 0 {
			return "", false
		}
		return k[0], true
	case []interface{}:
		if len(k) == 0 {
			return "", false
		}
		return routingKey(k[:1])
	default:
		return fmt.Sprint(k), true
	}
}

// flattenKeys expands a single sequence argument into positional
// arguments, so that Do("MGET", []string{"a", "b"}) behaves like
// Do("MGET", "a", "b").
func flattenKeys(args []interface{}) []interface{} {
	if len(args) != 1 {
		return args
	}
	switch seq := args[0].(type) {
	case []string:
		flat := make([]interface{}, len(seq))
		for i, s := range seq {
			flat[i] = s
		}
		return flat
	case []interface{}:
		return seq
	default:
		return args
	}
}

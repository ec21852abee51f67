package clusterc

import (
	"sync"

	"github.com/gomodule/redigo/redis"
)

// Batch collects commands to be pipelined against the cluster. The
// queued commands are grouped by destination node, each group is sent
// in one pipeline, and the results are delivered in submission order.
//
// A Batch is not safe for concurrent use; Run must be called at most
// once.
type Batch struct {
	c    *Cluster
	cmds []batchCmd
}

type batchCmd struct {
	cmd      string
	args     []interface{}
	readOnly bool
}

// Batch returns a new, empty batch bound to the cluster.
func (c *Cluster) Batch() *Batch {
	return &Batch{c: c}
}

// Multi is an alias for Batch.
func (c *Cluster) Multi() *Batch {
	return c.Batch()
}

// Do queues a command on the batch and returns the batch for
// chaining. The command is not executed until Run is called.
func (b *Batch) Do(cmd string, args ...interface{}) *Batch {
	return b.do(cmd, false, args...)
}

// DoRead queues a read command, subject to the ReplicaReads policy.
func (b *Batch) DoRead(cmd string, args ...interface{}) *Batch {
	return b.do(cmd, true, args...)
}

func (b *Batch) do(cmd string, readOnly bool, args ...interface{}) *Batch {
	b.cmds = append(b.cmds, batchCmd{cmd: cmd, args: args, readOnly: readOnly})
	return b
}

// Len returns the number of queued commands.
func (b *Batch) Len() int {
	return len(b.cmds)
}

// Run executes the queued commands. Commands are grouped per
// destination node and pipelined; node groups run concurrently.
// Results are returned in submission order, one entry per command; a
// command that failed has its error as its entry. The returned error
// is the first per-command error, if any (transport errors included).
//
// A command whose pipelined reply is a redirection or a transient
// cluster error is re-executed individually through the cluster's
// redirect/retry machinery, so a batch straddling a slot migration
// degrades to per-command routing instead of failing.
func (b *Batch) Run() ([]interface{}, error) {
	c := b.c
	if err := c.Start(); err != nil {
		return nil, err
	}
	if len(b.cmds) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	populated := c.populated
	c.mu.Unlock()
	if !populated {
		if err := c.Refresh(); err != nil {
			return nil, err
		}
	}

	// group the command indices by destination node
	groups := make(map[*node][]int)
	order := make([]*node, 0)
	for i, bc := range b.cmds {
		n, err := b.nodeFor(bc)
		if err != nil {
			return nil, err
		}
		if _, ok := groups[n]; !ok {
			order = append(order, n)
		}
		groups[n] = append(groups[n], i)
	}

	results := make([]interface{}, len(b.cmds))
	errs := make([]error, len(order))

	var wg sync.WaitGroup
	for gi, n := range order {
		wg.Add(1)
		go func(gi int, n *node, indices []int) {
			defer wg.Done()
			errs[gi] = b.runGroup(n, indices, results)
		}(gi, n, groups[n])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	var firstErr error
	for _, v := range results {
		if err, ok := v.(error); ok && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// nodeFor selects the destination node of a queued command, by its
// key's slot, honoring the replica-read policy.
func (b *Batch) nodeFor(bc batchCmd) (*node, error) {
	key, ok := routingKey(bc.args)
	if !ok {
		return nil, errNoKeyCmd(bc.cmd)
	}
	n, _, err := b.c.nodeForSlot(Slot(key), bc.readOnly, "")
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNoNode
	}
	return n, nil
}

// runGroup pipelines the commands at the given indices on node n and
// stores each reply (or error) at its command's position in results.
func (b *Batch) runGroup(n *node, indices []int, results []interface{}) error {
	c := b.c
	conn, err := n.getConn()
	if err != nil {
		c.handleConnError(n, err)
		return err
	}
	defer conn.Close()

	for _, i := range indices {
		bc := b.cmds[i]
		if err := conn.Send(bc.cmd, bc.args...); err != nil {
			return err
		}
	}
	if err := conn.Flush(); err != nil {
		if isConnError(err) {
			c.handleConnError(n, err)
		}
		return err
	}
	c.noteReady(n)

	for _, i := range indices {
		v, err := conn.Receive()
		if err != nil {
			if _, ok := err.(redis.Error); !ok {
				if isConnError(err) {
					c.handleConnError(n, err)
				}
				return err
			}
			// per-command error reply: redirections and transient
			// errors are retried individually, the rest is stored
			// as the command's result.
			if re := ParseRedir(err); re != nil || IsTryAgain(err) || IsClusterDown(err) {
				if re != nil && re.Type == "MOVED" {
					c.needsRefresh(re)
				}
				bc := b.cmds[i]
				key, _ := routingKey(bc.args)
				rv, rerr := c.execSlot(Slot(key), bc.cmd, bc.readOnly, bc.args)
				if rerr != nil {
					results[i] = rerr
				} else {
					results[i] = rv
				}
				continue
			}
			results[i] = err
			continue
		}
		results[i] = v
	}
	return nil
}

func errNoKeyCmd(cmd string) error {
	return &noKeyError{cmd: cmd}
}

type noKeyError struct {
	cmd string
}

func (e *noKeyError) Error() string {
	return "clusterc: no key for command: " + e.cmd
}

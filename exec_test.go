package clusterc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mna/clusterc/clustertest"
	"github.com/mna/clusterc/clustertest/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// key "x" hashes to slot 16287, "b" to 3300.

func TestExecMoved(t *testing.T) {
	var a, b *clustertest.MockNode
	var aGets, bGets, moved int32

	// before the migration both nodes report that a owns the whole
	// keyspace; once a has replied MOVED, they report the new
	// allocation with slot 16287 on b.
	slots := func() interface{} {
		if atomic.LoadInt32(&moved) == 0 {
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{a.Addr}},
			)
		}
		return clustertest.SlotsReply(
			clustertest.SlotRange{Start: 0, End: 16286, Addrs: []string{a.Addr}},
			clustertest.SlotRange{Start: 16287, End: 16383, Addrs: []string{b.Addr}},
		)
	}
	a = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return slots()
		case "GET":
			atomic.AddInt32(&aGets, 1)
			atomic.StoreInt32(&moved, 1)
			return resp.Error("MOVED 16287 " + b.Addr)
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer a.Close()
	b = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return slots()
		case "GET":
			atomic.AddInt32(&bGets, 1)
			return "vx"
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer b.Close()

	c := &Cluster{StartupNodes: []string{a.Addr}}
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	v, err := c.Do("GET", "x")
	require.NoError(t, err, "GET across MOVED")
	assert.Equal(t, []byte("vx"), v, "reply from the redirect target")
	assert.Equal(t, int32(1), atomic.LoadInt32(&aGets), "one attempt on a")
	assert.Equal(t, int32(1), atomic.LoadInt32(&bGets), "one attempt on b")

	// the MOVED hint is applied immediately, and the background
	// refresh eventually installs b's allocation
	c.mu.Lock()
	assert.Equal(t, b.Addr, c.mapping[16287][0], "mapping updated from the hint")
	c.mu.Unlock()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.refreshing
	}, 2*time.Second, 10*time.Millisecond, "background refresh done")

	// a subsequent GET routes directly to b, without a redirect
	_, err = c.Do("GET", "x")
	require.NoError(t, err, "GET after refresh")
	assert.Equal(t, int32(1), atomic.LoadInt32(&aGets), "no new attempt on a")
	assert.Equal(t, int32(2), atomic.LoadInt32(&bGets), "direct attempt on b")
}

func TestExecAsk(t *testing.T) {
	var a, b *clustertest.MockNode
	var aGets, bAsking int32

	a = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{a.Addr}},
			)
		case "GET":
			atomic.AddInt32(&aGets, 1)
			return resp.Error("ASK 16287 " + b.Addr)
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer a.Close()
	b = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "ASKING":
			atomic.AddInt32(&bAsking, 1)
			return resp.SimpleString("OK")
		case "GET":
			if atomic.LoadInt32(&bAsking) == 0 {
				return resp.Error("MOVED 16287 " + a.Addr)
			}
			return "vx"
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer b.Close()

	c := &Cluster{StartupNodes: []string{a.Addr}}
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	v, err := c.Do("GET", "x")
	require.NoError(t, err, "GET across ASK")
	assert.Equal(t, []byte("vx"), v, "reply from the ask target")
	assert.Equal(t, int32(1), atomic.LoadInt32(&bAsking), "asking sent once")

	// ASK must not update the slot mapping: the next command for the
	// slot still goes to a first
	c.mu.Lock()
	assert.Equal(t, a.Addr, c.mapping[16287][0], "mapping unchanged")
	c.mu.Unlock()

	_, _ = c.Do("GET", "x")
	assert.Equal(t, int32(2), atomic.LoadInt32(&aGets), "subsequent GET still tries a first")
}

func TestExecTryAgainBackoff(t *testing.T) {
	var gets int32
	var s *clustertest.MockNode
	s = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{s.Addr}},
			)
		case "GET":
			if atomic.AddInt32(&gets, 1) <= 3 {
				return resp.Error("TRYAGAIN hash slot is being migrated")
			}
			return "ok"
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer s.Close()

	c := &Cluster{StartupNodes: []string{s.Addr}}
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	start := time.Now()
	v, err := c.Do("GET", "x")
	elapsed := time.Since(start)

	require.NoError(t, err, "GET after retries")
	assert.Equal(t, []byte("ok"), v, "expected result")
	assert.Equal(t, int32(4), atomic.LoadInt32(&gets), "three retries")
	// delays double from 20ms: 20 + 40 + 80
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond, "backoff waited")
	assert.Less(t, elapsed, 4*1280*time.Millisecond, "backoff capped")
}

func TestExecAttemptBudget(t *testing.T) {
	var gets int32
	var s *clustertest.MockNode
	s = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{s.Addr}},
			)
		case "GET":
			atomic.AddInt32(&gets, 1)
			return resp.Error("TRYAGAIN hash slot is being migrated")
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer s.Close()

	c := &Cluster{StartupNodes: []string{s.Addr}}
	c.newBackoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	_, err := c.Do("GET", "x")
	if assert.Error(t, err, "GET exhausts the budget") {
		assert.True(t, IsTryAgain(err), "last reply surfaced")
	}
	assert.Equal(t, int32(maxAttempts), atomic.LoadInt32(&gets), "hard attempt budget")
}

func TestExecClusterDown(t *testing.T) {
	var gets int32
	var s *clustertest.MockNode
	s = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{s.Addr}},
			)
		case "GET":
			if atomic.AddInt32(&gets, 1) == 1 {
				return resp.Error("CLUSTERDOWN The cluster is down")
			}
			return "ok"
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer s.Close()

	c := &Cluster{StartupNodes: []string{s.Addr}}
	c.newBackoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	v, err := c.Do("GET", "x")
	require.NoError(t, err, "GET after CLUSTERDOWN retry")
	assert.Equal(t, []byte("ok"), v, "expected result")
	assert.Equal(t, int32(2), atomic.LoadInt32(&gets), "one retry")
}

func TestExecNoKey(t *testing.T) {
	c := &Cluster{StartupNodes: []string{"127.0.0.1:0"}}
	defer c.Close()

	_, err := c.Do("ECHO")
	if assert.Error(t, err, "Do without key") {
		assert.Contains(t, err.Error(), "no key for command: ECHO", "expected message")
	}
}

func TestExecOtherErrorSurfaces(t *testing.T) {
	var gets int32
	var s *clustertest.MockNode
	s = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{s.Addr}},
			)
		case "GET":
			atomic.AddInt32(&gets, 1)
			return resp.Error("WRONGTYPE Operation against a key holding the wrong kind of value")
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer s.Close()

	c := &Cluster{StartupNodes: []string{s.Addr}}
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	_, err := c.Do("GET", "x")
	if assert.Error(t, err, "GET") {
		assert.Contains(t, err.Error(), "WRONGTYPE", "error surfaced unchanged")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&gets), "not retried")
}

func TestReplicaReadsAlways(t *testing.T) {
	var primary, replica *clustertest.MockNode
	var primaryGets, replicaGets, readonlys int32

	primary = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{primary.Addr, replica.Addr}},
			)
		case "GET":
			atomic.AddInt32(&primaryGets, 1)
			return "from-primary"
		case "SET":
			return resp.SimpleString("OK")
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer primary.Close()
	replica = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "READONLY":
			atomic.AddInt32(&readonlys, 1)
			return resp.SimpleString("OK")
		case "GET":
			atomic.AddInt32(&replicaGets, 1)
			return "from-replica"
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer replica.Close()

	c := &Cluster{StartupNodes: []string{primary.Addr}, ReplicaReads: ReplicaAlways}
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	// reads go to the replica, writes to the primary
	v, err := c.DoRead("GET", "x")
	require.NoError(t, err, "DoRead")
	assert.Equal(t, []byte("from-replica"), v, "read served by replica")
	_, err = c.Do("SET", "x", "1")
	require.NoError(t, err, "Do SET")

	// a second read does not re-send the mode directive
	_, err = c.DoRead("GET", "x")
	require.NoError(t, err, "second DoRead")
	assert.Equal(t, int32(2), atomic.LoadInt32(&replicaGets), "two reads on replica")
	assert.Equal(t, int32(0), atomic.LoadInt32(&primaryGets), "no read on primary")
	assert.Equal(t, int32(1), atomic.LoadInt32(&readonlys), "replica-read mode enabled once")
}

func TestReplicaModeReconcile(t *testing.T) {
	var s *clustertest.MockNode
	var readonlys, readwrites int32

	// the node serves as both primary and replica of the slot, so the
	// same node client flips between modes
	s = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{s.Addr, s.Addr}},
			)
		case "READONLY":
			atomic.AddInt32(&readonlys, 1)
			return resp.SimpleString("OK")
		case "READWRITE":
			atomic.AddInt32(&readwrites, 1)
			return resp.SimpleString("OK")
		case "GET":
			return "v"
		case "SET":
			return resp.SimpleString("OK")
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer s.Close()

	c := &Cluster{StartupNodes: []string{s.Addr}, ReplicaReads: ReplicaAlways}
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	_, err := c.DoRead("GET", "x")
	require.NoError(t, err, "DoRead")
	assert.Equal(t, int32(1), atomic.LoadInt32(&readonlys), "enabled on first replica read")

	_, err = c.Do("SET", "x", "1")
	require.NoError(t, err, "Do SET")
	assert.Equal(t, int32(1), atomic.LoadInt32(&readwrites), "disabled when used as primary")
}

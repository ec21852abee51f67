package clusterc

import (
	"sync/atomic"
	"testing"

	"github.com/mna/clusterc/clustertest"
	"github.com/mna/clusterc/clustertest/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchOrder(t *testing.T) {
	lo, hi, _, _ := startSplitCluster(t)
	defer lo.Close()
	defer hi.Close()

	c := &Cluster{StartupNodes: []string{lo.Addr}}
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	require.NoError(t, c.Set("a", "va"), "SET a")
	require.NoError(t, c.Set("b", "vb"), "SET b")
	require.NoError(t, c.Set("c", "vc"), "SET c")

	// interleave commands destined to both nodes
	res, err := c.Batch().
		Do("GET", "a").
		Do("GET", "b").
		Do("GET", "c").
		Do("GET", "x").
		Run()
	require.NoError(t, err, "Run")
	if assert.Equal(t, 4, len(res), "one result per command") {
		assert.Equal(t, []byte("va"), res[0], "a")
		assert.Equal(t, []byte("vb"), res[1], "b")
		assert.Equal(t, []byte("vc"), res[2], "c")
		assert.Nil(t, res[3], "missing x")
	}
}

func TestBatchEmpty(t *testing.T) {
	c := &Cluster{StartupNodes: []string{"127.0.0.1:0"}}
	defer c.Close()

	res, err := c.Batch().Run()
	assert.NoError(t, err, "empty Run")
	assert.Nil(t, res, "no results")
}

func TestBatchRedirectedCommand(t *testing.T) {
	var a, b *clustertest.MockNode
	var bGets int32

	// node a owns everything per the allocation but redirects GETs
	// for key "x" to b; a pipelined command straddling the migration
	// must be retried individually and still produce its value.
	a = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{a.Addr}},
			)
		case "GET":
			if args[0] == "x" {
				return resp.Error("MOVED 16287 " + b.Addr)
			}
			return "va"
		case "SET":
			return resp.SimpleString("OK")
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer a.Close()
	b = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{a.Addr}},
			)
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

	res, err := c.Batch().
		Do("GET", "a").
		Do("GET", "x").
		Run()
	require.NoError(t, err, "Run")
	if assert.Equal(t, 2, len(res), "one result per command") {
		assert.Equal(t, []byte("va"), res[0], "direct reply")
		assert.Equal(t, []byte("vx"), res[1], "redirected reply")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&bGets), int32(1), "redirect followed to b")
}

func TestBatchPerCommandError(t *testing.T) {
	var s *clustertest.MockNode
	s = clustertest.StartMockNode(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			return clustertest.SlotsReply(
				clustertest.SlotRange{Start: 0, End: 16383, Addrs: []string{s.Addr}},
			)
		case "GET":
			if args[0] == "bad" {
				return resp.Error("WRONGTYPE Operation against a key holding the wrong kind of value")
			}
			return "v"
		}
		return resp.Error("ERR unexpected command " + cmd)
	})
	defer s.Close()

	c := &Cluster{StartupNodes: []string{s.Addr}}
	defer c.Close()
	require.NoError(t, c.Refresh(), "Refresh")

	res, err := c.Batch().
		Do("GET", "a").
		Do("GET", "bad").
		Run()
	if assert.Error(t, err, "Run reports the first command error") {
		assert.Contains(t, err.Error(), "WRONGTYPE", "expected error")
	}
	if assert.Equal(t, 2, len(res), "results still delivered") {
		assert.Equal(t, []byte("v"), res[0], "successful command")
		cmdErr, ok := res[1].(error)
		if assert.True(t, ok, "failed command holds its error") {
			assert.Contains(t, cmdErr.Error(), "WRONGTYPE", "expected error")
		}
	}
}

// Package clustertest provides test helpers for the clusterc package:
// scripted mock nodes speaking the cluster's wire protocol, and a
// harness to run tests against a real cluster when the server binary
// is available.
package clustertest

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mna/clusterc/clustertest/resp"
	"github.com/stretchr/testify/require"
)

// Handler processes one decoded command received by a mock node and
// returns the reply to encode. Returning a resp.Error value encodes
// an error reply.
type Handler func(cmd string, args ...string) interface{}

// MockNode is a scripted node speaking the cluster's wire protocol.
// Every received command is passed to the handler and its return
// value is encoded back to the client.
type MockNode struct {
	Addr string

	done chan struct{}
	wg   sync.WaitGroup
	h    Handler
	t    testing.TB
	l    net.Listener
}

// StartMockNode creates and starts a mock node on a free local port.
// The caller should close the node after use.
func StartMockNode(t testing.TB, handler Handler) *MockNode {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "net.Listen")

	s := &MockNode{
		Addr: l.Addr().String(),
		done: make(chan struct{}),
		h:    handler,
		t:    t,
		l:    l,
	}
	go s.serve()
	return s
}

// Close stops the mock node and waits for its connections to finish.
func (s *MockNode) Close() {
	select {
	case <-s.done:
		return
	default:
	}

	require.NoError(s.t, s.l.Close(), "Close listener")
	<-s.done

	exit := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(exit)
	}()
	select {
	case <-exit:
	case <-time.After(5 * time.Second):
		s.t.Fatal("failed to cleanly stop the mock node")
	}
}

func (s *MockNode) serve() {
	defer close(s.done)
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *MockNode) serveConn(c net.Conn) {
	defer s.wg.Done()

	go func() {
		<-s.done
		c.Close()
	}()

	br := bufio.NewReader(c)
	for {
		req, err := resp.DecodeRequest(br)
		if err != nil {
			return
		}
		v := s.h(req[0], req[1:]...)
		if err := resp.Encode(c, v); err != nil {
			return
		}
	}
}

// SlotRange is one entry of a scripted slot-allocation reply.
type SlotRange struct {
	Start, End int
	Addrs      []string // primary first, then replicas
}

// SlotsReply builds the reply to the slot-enumeration command for the
// given ranges, in the wire format the cluster uses.
func SlotsReply(ranges ...SlotRange) resp.Array {
	out := make(resp.Array, len(ranges))
	for i, r := range ranges {
		entry := resp.Array{int64(r.Start), int64(r.End)}
		for _, addr := range r.Addrs {
			host, port, _ := net.SplitHostPort(addr)
			n, _ := strconv.Atoi(port)
			entry = append(entry, resp.Array{host, int64(n)})
		}
		out[i] = entry
	}
	return out
}

// NewStoreHandler returns a handler implementing a small in-memory
// key/value store (GET, MGET, SET, DEL, EXISTS, INCR and PING), with a fallback for
// scripting other commands. If fallback is nil, unknown commands get
// an error reply.
func NewStoreHandler(fallback Handler) Handler {
	var mu sync.Mutex
	store := make(map[string]string)

	return func(cmd string, args ...string) interface{} {
		mu.Lock()
		defer mu.Unlock()

		switch cmd {
		case "PING":
			return resp.SimpleString("PONG")
		case "GET":
			if v, ok := store[args[0]]; ok {
				return v
			}
			return nil
		case "MGET":
			out := make(resp.Array, len(args))
			for i, k := range args {
				if v, ok := store[k]; ok {
					out[i] = v
				}
			}
			return out
		case "EXISTS":
			var n int64
			for _, k := range args {
				if _, ok := store[k]; ok {
					n++
				}
			}
			return n
		case "SET":
			store[args[0]] = args[1]
			return resp.SimpleString("OK")
		case "DEL":
			var n int64
			for _, k := range args {
				if _, ok := store[k]; ok {
					delete(store, k)
					n++
				}
			}
			return n
		case "INCR":
			n, err := strconv.ParseInt(store[args[0]], 10, 64)
			if err != nil && store[args[0]] != "" {
				return resp.Error("ERR value is not an integer or out of range")
			}
			n++
			store[args[0]] = strconv.FormatInt(n, 10)
			return n
		}
		if fallback != nil {
			return fallback(cmd, args...)
		}
		return resp.Error("ERR unknown command '" + cmd + "'")
	}
}

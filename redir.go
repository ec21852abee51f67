package clusterc

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/gomodule/redigo/redis"
)

var (
	// ErrClosed is returned when an operation is attempted on a
	// closed cluster, and by refreshes that were pending when the
	// cluster was closed.
	ErrClosed = errors.New("clusterc: closed")

	// ErrNoNode is returned when no node could be selected to serve
	// a command.
	ErrNoNode = errors.New("clusterc: couldn't get a node")

	// ErrRefreshQueueFull is returned to a refresh waiter that was
	// evicted because the pending-refresh queue was full, or to the
	// newcomer when RejectRefreshOverflow is set.
	ErrRefreshQueueFull = errors.New("clusterc: max refresh queue length reached")

	// ErrReadyTimeout is returned by a refresh that waited for a
	// node to become ready for longer than ReadyTimeout.
	ErrReadyTimeout = errors.New("clusterc: ready timeout reached")
)

// RedirError is a redirection error as returned by the cluster when
// the contacted node does not serve the slot of the command's key.
type RedirError struct {
	// Type is MOVED or ASK.
	Type string
	// NewSlot is the slot number of the redirection.
	NewSlot int
	// Addr is the node address to redirect to.
	Addr string

	raw string
}

// Error returns the error message of a RedirError. It is the raw
// message as returned by the cluster.
func (e *RedirError) Error() string {
	return e.raw
}

// ParseRedir parses err into a *RedirError if it is a MOVED or an ASK
// reply, and returns nil otherwise.
func ParseRedir(err error) *RedirError {
	re, ok := err.(redis.Error)
	if !ok {
		return nil
	}
	parts := strings.Fields(re.Error())
	if len(parts) != 3 || (parts[0] != "MOVED" && parts[0] != "ASK") {
		return nil
	}
	slot, err2 := strconv.Atoi(parts[1])
	if err2 != nil {
		return nil
	}
	return &RedirError{
		Type:    parts[0],
		NewSlot: slot,
		Addr:    parts[2],
		raw:     re.Error(),
	}
}

// IsTryAgain returns true if err is a cluster reply signalling that
// the command's slot is temporarily unavailable, typically during a
// slot migration, and that the command should be retried.
func IsTryAgain(err error) bool {
	re, ok := err.(redis.Error)
	return ok && strings.HasPrefix(re.Error(), "TRYAGAIN")
}

// IsClusterDown returns true if err is a reply with the CLUSTERDOWN
// error code, meaning the cluster cannot currently serve any request.
func IsClusterDown(err error) bool {
	re, ok := err.(redis.Error)
	return ok && strings.HasPrefix(re.Error(), "CLUSTERDOWN")
}

// IsCrossSlot returns true if err is a reply indicating that the
// command's keys do not all hash to the same slot.
func IsCrossSlot(err error) bool {
	re, ok := err.(redis.Error)
	return ok && strings.HasPrefix(re.Error(), "CROSSSLOT")
}

// isConnError reports whether err indicates a broken or uncertain
// connection to a node, as opposed to an error reply from the node.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(redis.Error); ok {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	// factory-supplied clients may not return net errors, fall back
	// to the message convention.
	msg := err.Error()
	return strings.Contains(msg, "connection to ") && strings.Contains(msg, " failed")
}

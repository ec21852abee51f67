package clusterc

import (
	"context"
	"log/slog"
)

// Event is a lifecycle notification emitted by a Cluster. Events are
// delivered to subscribed channels (see Cluster.Subscribe) and
// reported to the cluster's Logger, if any.
type Event interface {
	EventName() string
	LogLevel() slog.Level
	LogAttrs() []slog.Attr
}

// ReadyEvent is emitted when the first node of the cluster becomes
// ready, and again whenever aggregate readiness flips back up.
type ReadyEvent struct{}

func (ReadyEvent) EventName() string    { return "ready" }
func (ReadyEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (ReadyEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{slog.String("component", "clusterc")}
}

// UnreadyEvent is emitted when every node is down after the cluster
// had been ready.
type UnreadyEvent struct{}

func (UnreadyEvent) EventName() string    { return "unready" }
func (UnreadyEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (UnreadyEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{slog.String("component", "clusterc")}
}

// EndEvent is emitted once every node has shut down.
type EndEvent struct{}

func (EndEvent) EventName() string    { return "end" }
func (EndEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (EndEvent) LogAttrs() []slog.Attr {
	return []slog.Attr{slog.String("component", "clusterc")}
}

// ConnectionErrorEvent is emitted when the connection to a node is
// broken or in an uncertain state. The node's pool entry is tombstoned
// and a slot refresh is triggered.
type ConnectionErrorEvent struct {
	Addr string
	Err  error
}

func (ConnectionErrorEvent) EventName() string    { return "connection_error" }
func (ConnectionErrorEvent) LogLevel() slog.Level { return slog.LevelError }
func (e ConnectionErrorEvent) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("component", "clusterc"),
		slog.String("addr", e.Addr),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	return attrs
}

// ErrorEvent carries errors that have no caller to report to, such as
// a failed periodic refresh.
type ErrorEvent struct {
	Addr string
	Err  error
}

func (ErrorEvent) EventName() string    { return "error" }
func (ErrorEvent) LogLevel() slog.Level { return slog.LevelError }
func (e ErrorEvent) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("component", "clusterc")}
	if e.Addr != "" {
		attrs = append(attrs, slog.String("addr", e.Addr))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	return attrs
}

// Subscribe registers a new event channel with the given buffer size
// and returns it. Events that cannot be delivered because the channel
// is full are dropped for that subscriber.
func (c *Cluster) Subscribe(buf int) <-chan Event {
	ch := make(chan Event, buf)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered with Subscribe. The channel
// is not closed, no more events are delivered to it.
func (c *Cluster) Unsubscribe(ch <-chan Event) {
	c.mu.Lock()
	for i, sub := range c.subs {
		if sub == ch {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// emit delivers ev to every subscriber and reports it to the Logger.
// It must be called without holding the cluster mutex.
func (c *Cluster) emit(ev Event) {
	c.mu.Lock()
	subs := make([]chan Event, len(c.subs))
	copy(subs, c.subs)
	logger := c.Logger
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
		}
	}
	if logger != nil {
		logger.LogAttrs(context.Background(), ev.LogLevel(), ev.EventName(), ev.LogAttrs()...)
	}
}

// Package clusterc implements a client for a sharded, replicated
// key/value cluster on top of the redigo client package. The keyspace
// is partitioned into 16384 hash slots, each owned by a primary node
// and optionally served by replicas; clusterc routes every command to
// the node that owns its key and reacts to topology changes.
//
// Cluster
//
// The Cluster type manages the client's view of the cluster. It keeps
// a mapping of hash slots to node addresses, a pool of node clients
// (one per address, created on demand through the CreatePool factory),
// and refreshes the mapping by asking a live node for the cluster's
// slot allocation.
//
// The Refresh method updates the mapping explicitly. It is also
// triggered automatically whenever a command receives a MOVED reply or
// a node's connection breaks, and periodically if RefreshInterval is
// set. Concurrent refreshes coalesce: a single slot enumeration is in
// flight at any time and all callers receive its result.
//
// Commands
//
// Do executes a single command, using the command's first argument as
// the routing key (hash tags are honored, see Slot). Redirections
// (MOVED, ASK) and transient cluster errors (TRYAGAIN, CLUSTERDOWN)
// are handled transparently, within a budget of 16 attempts per
// command. DoRead marks the command as a read so that the ReplicaReads
// policy may route it to a replica.
//
// Commands that operate on several keys possibly spanning multiple
// slots (MGET, MSET, DEL, ...) are split into single-slot
// sub-commands, fanned out through a batch and reassembled in the
// original order before being returned.
//
// Batch collects commands and pipelines them, grouped per destination
// node; results come back in submission order.
//
// Events
//
// Subscribe returns a channel of lifecycle events: Ready when the
// first node is up, Unready when every node is down after having been
// up, End when the cluster has shut down, and connection or background
// errors. Events are also reported to the optional Logger.
//
// A cluster must be closed once it is no longer used to release its
// resources.
package clusterc

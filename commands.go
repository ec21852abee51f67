package clusterc

import "github.com/gomodule/redigo/redis"

// Thin per-command wrappers over Do/DoRead. They only adapt arguments
// and result types; routing, redirections and retries are handled by
// the executor.

// Get returns the string value of key, or redis.ErrNil if it does not
// exist.
func (c *Cluster) Get(key string) (string, error) {
	return redis.String(c.DoRead("GET", key))
}

// Set sets key to value.
func (c *Cluster) Set(key string, value interface{}) error {
	_, err := c.Do("SET", key, value)
	return err
}

// SetEx sets key to value with a time-to-live in seconds.
func (c *Cluster) SetEx(key string, seconds int, value interface{}) error {
	_, err := c.Do("SETEX", key, seconds, value)
	return err
}

// MGet returns the values of the keys, in order, with nil entries for
// missing keys. The keys may span hash slots.
func (c *Cluster) MGet(keys ...string) ([]interface{}, error) {
	return redis.Values(c.DoRead("MGET", keys))
}

// MSet sets each key to its value. The pairs may span hash slots.
func (c *Cluster) MSet(pairs ...interface{}) error {
	_, err := c.Do("MSET", pairs...)
	return err
}

// Del deletes the keys and returns the number of keys removed. The
// keys may span hash slots.
func (c *Cluster) Del(keys ...string) (int, error) {
	return redis.Int(c.Do("DEL", keys))
}

// Exists returns how many of the keys exist. The keys may span hash
// slots.
func (c *Cluster) Exists(keys ...string) (int, error) {
	return redis.Int(c.DoRead("EXISTS", keys))
}

// Incr increments the integer value of key by one and returns the new
// value.
func (c *Cluster) Incr(key string) (int64, error) {
	return redis.Int64(c.Do("INCR", key))
}

// Decr decrements the integer value of key by one and returns the new
// value.
func (c *Cluster) Decr(key string) (int64, error) {
	return redis.Int64(c.Do("DECR", key))
}

// Expire sets a time-to-live in seconds on key. It returns true if
// the timeout was set.
func (c *Cluster) Expire(key string, seconds int) (bool, error) {
	return redis.Bool(c.Do("EXPIRE", key, seconds))
}

// TTL returns the remaining time-to-live of key in seconds.
func (c *Cluster) TTL(key string) (int, error) {
	return redis.Int(c.DoRead("TTL", key))
}

// HGet returns the value of field in the hash stored at key.
func (c *Cluster) HGet(key, field string) (string, error) {
	return redis.String(c.DoRead("HGET", key, field))
}

// HSet sets field in the hash stored at key to value.
func (c *Cluster) HSet(key, field string, value interface{}) error {
	_, err := c.Do("HSET", key, field, value)
	return err
}

// LPush prepends values to the list stored at key and returns the new
// length of the list.
func (c *Cluster) LPush(key string, values ...interface{}) (int, error) {
	args := append([]interface{}{key}, values...)
	return redis.Int(c.Do("LPUSH", args...))
}

// RPop removes and returns the last element of the list stored at
// key.
func (c *Cluster) RPop(key string) (string, error) {
	return redis.String(c.Do("RPOP", key))
}

// SAdd adds members to the set stored at key and returns the number
// of members added.
func (c *Cluster) SAdd(key string, members ...interface{}) (int, error) {
	args := append([]interface{}{key}, members...)
	return redis.Int(c.Do("SADD", args...))
}

// SMembers returns all members of the set stored at key.
func (c *Cluster) SMembers(key string) ([]string, error) {
	return redis.Strings(c.DoRead("SMEMBERS", key))
}

// Ping checks connectivity with the node serving the key's slot. The
// key is only used for routing, it is not sent.
func (c *Cluster) Ping(key string) (string, error) {
	if err := c.Start(); err != nil {
		return "", err
	}
	return redis.String(c.execSlot(Slot(key), "PING", true, nil))
}

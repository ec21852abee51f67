package clustertest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// serverBin is the cluster server binary used for integration tests.
// Tests are skipped when it is not in the PATH.
const serverBin = "redis-server"

// ClusterConfig is the configuration for servers started in cluster
// mode. The value must contain a single reference to a string
// placeholder (%s), the port number.
var ClusterConfig = `
port %s
cluster-enabled yes
cluster-config-file nodes.%[1]s.conf
cluster-node-timeout 5000
appendonly no
`

// NumClusterNodes is the number of primaries started in a test
// cluster. When a cluster is started with replicas, there is one
// replica per primary, so the total number of nodes is
// NumClusterNodes * 2.
const NumClusterNodes = 3

// StartCluster starts a cluster of NumClusterNodes primaries with the
// keyspace evenly split among them. It returns a cleanup function to
// call after the test (typically in a defer) and the node ports. The
// test is skipped if the server binary is not found.
func StartCluster(t testing.TB, w io.Writer) (func(), []string) {
	if _, err := exec.LookPath(serverBin); err != nil {
		t.Skipf("%s not found in $PATH", serverBin)
	}

	const hashSlots = 16384

	cmds := make([]*exec.Cmd, NumClusterNodes)
	ports := make([]string, NumClusterNodes)
	slotsPerNode := hashSlots / NumClusterNodes

	for i := 0; i < NumClusterNodes; i++ {
		port := getClusterFreePort(t)
		cmds[i], ports[i] = startServerWithConfig(t, port, w, fmt.Sprintf(ClusterConfig, port)), port

		count := slotsPerNode
		if i == NumClusterNodes-1 {
			// the last node takes the remainder
			count = hashSlots - i*slotsPerNode
		}
		addSlots(t, port, i*slotsPerNode, count)
		if i > 0 {
			meet(t, port, ports[i-1])
		}
	}

	require.True(t, waitForCluster(t, 10*time.Second, ports...), "wait for cluster")

	return func() {
		for _, c := range cmds {
			_ = c.Process.Kill()
		}
		removeNodeConfs(ports)
	}, ports
}

// StartClusterWithReplicas starts a cluster of NumClusterNodes
// primaries with one replica each. It returns the cleanup function
// and the ports, primaries first, then replicas.
func StartClusterWithReplicas(t testing.TB, w io.Writer) (func(), []string) {
	fn, ports := StartCluster(t, w)
	ids := clusterNodeIDs(t, ports...)

	replicaPorts := make([]string, 0, len(ports))
	replicaCmds := make([]*exec.Cmd, 0, len(ports))
	replicaPrimary := make(map[string]string)
	for _, primary := range ports {
		port := getClusterFreePort(t)
		cmd := startServerWithConfig(t, port, w, fmt.Sprintf(ClusterConfig, port))
		meet(t, port, primary)

		replicaPorts = append(replicaPorts, port)
		replicaCmds = append(replicaCmds, cmd)
		replicaPrimary[port] = primary
	}

	require.True(t, waitForCluster(t, 10*time.Second, replicaPorts...), "wait for cluster replicas")
	for _, port := range replicaPorts {
		replicate(t, port, ids[replicaPrimary[port]])
	}
	require.True(t, waitForReplicas(t, 10*time.Second, append(ports, replicaPorts...)...), "wait for replicas to join")

	return func() {
		for _, c := range replicaCmds {
			_ = c.Process.Kill()
		}
		removeNodeConfs(replicaPorts)
		fn()
	}, append(ports, replicaPorts...)
}

// NewPool creates a connection pool for the node at addr, in the
// shape used throughout the tests.
func NewPool(_ testing.TB, addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     2,
		MaxActive:   10,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
}

func removeNodeConfs(ports []string) {
	for _, port := range ports {
		port = strings.TrimPrefix(port, ":")
		os.Remove(filepath.Join(os.TempDir(), fmt.Sprintf("nodes.%s.conf", port)))
	}
}

func meet(t testing.TB, nodePort, clusterPort string) {
	conn, err := redis.Dial("tcp", ":"+nodePort)
	require.NoError(t, err, "Dial to node")
	defer conn.Close()

	_, err = conn.Do("CLUSTER", "MEET", "127.0.0.1", clusterPort)
	require.NoError(t, err, "CLUSTER MEET")
}

func replicate(t testing.TB, replicaPort, primaryID string) {
	conn, err := redis.Dial("tcp", ":"+replicaPort)
	require.NoError(t, err, "Dial to replica node")
	defer conn.Close()

	_, err = conn.Do("CLUSTER", "REPLICATE", primaryID)
	require.NoError(t, err, "CLUSTER REPLICATE")
}

func addSlots(t testing.TB, port string, start, count int) {
	conn, err := redis.Dial("tcp", ":"+port)
	require.NoError(t, err, "Dial to cluster node")
	defer conn.Close()

	args := redis.Args{"ADDSLOTS"}
	for i := start; i < start+count; i++ {
		args = args.Add(i)
	}
	_, err = conn.Do("CLUSTER", args...)
	require.NoError(t, err, "CLUSTER ADDSLOTS")
}

func clusterNodeIDs(t testing.TB, ports ...string) map[string]string {
	if len(ports) == 0 {
		return nil
	}

	conn, err := redis.Dial("tcp", ":"+ports[0])
	require.NoError(t, err, "Dial to node")
	defer conn.Close()

	nodes, err := redis.String(conn.Do("CLUSTER", "NODES"))
	require.NoError(t, err, "CLUSTER NODES")

	ids := make(map[string]string)
	s := bufio.NewScanner(strings.NewReader(nodes))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		addr := fields[1]
		if ix := strings.Index(addr, "@"); ix >= 0 {
			addr = addr[:ix]
		}
		for _, port := range ports {
			if addr == "127.0.0.1:"+port {
				ids[port] = fields[0]
				break
			}
		}
	}
	require.Equal(t, len(ports), len(ids), "find IDs for all ports")
	return ids
}

func waitForCluster(t testing.TB, timeout time.Duration, ports ...string) bool {
	deadline := time.Now().Add(timeout)

	for _, port := range ports {
		conn, err := redis.Dial("tcp", ":"+port)
		require.NoError(t, err, "Dial")

		for time.Now().Before(deadline) {
			info, err := redis.Bytes(conn.Do("CLUSTER", "INFO"))
			require.NoError(t, err, "CLUSTER INFO")
			if bytes.Contains(info, []byte("cluster_state:ok")) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		conn.Close()

		if time.Now().After(deadline) {
			return false
		}
	}
	return true
}

func waitForReplicas(t testing.TB, timeout time.Duration, ports ...string) bool {
	deadline := time.Now().Add(timeout)

	for _, port := range ports {
		conn, err := redis.Dial("tcp", ":"+port)
		require.NoError(t, err, "Dial")

		for time.Now().Before(deadline) {
			v, err := redis.String(conn.Do("CLUSTER", "NODES"))
			require.NoError(t, err, "CLUSTER NODES")

			primaries, replicas := 0, 0
			s := bufio.NewScanner(strings.NewReader(v))
			for s.Scan() {
				fields := strings.Fields(s.Text())
				if fields[7] == "connected" {
					if strings.Contains(fields[2], "master") {
						primaries++
					} else {
						replicas++
					}
				}
			}
			if primaries == NumClusterNodes && replicas == NumClusterNodes {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		conn.Close()

		if time.Now().After(deadline) {
			return false
		}
	}
	return true
}

func startServerWithConfig(t testing.TB, port string, w io.Writer, conf string) *exec.Cmd {
	var args []string
	if conf == "" {
		args = []string{"--port", port}
	} else {
		args = []string{"-"}
	}
	c := exec.Command(serverBin, args...)
	c.Dir = os.TempDir()

	if w != nil {
		c.Stderr = w
		c.Stdout = w
	}
	if conf != "" {
		c.Stdin = strings.NewReader(conf)
	}

	require.NoError(t, c.Start(), "start server")
	require.True(t, waitForPort(port, 10*time.Second), "wait for server")

	t.Logf("%s started on port %s", serverBin, port)
	return c
}

func waitForPort(port string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", ":"+port, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func getClusterFreePort(t testing.TB) string {
	const maxPort = 55535

	// nodes communicate with each other on port p+10000, so the port
	// must be below 55535
	port := getFreePort(t)
	if n, _ := strconv.Atoi(port); n >= maxPort {
		port = strconv.Itoa(n - 10000)
	}
	return port
}

func getFreePort(t testing.TB) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen on port 0")
	defer l.Close()
	_, p, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err, "parse host and port")
	return p
}

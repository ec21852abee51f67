// Command clusterc_cli runs ad-hoc commands against a key/value
// cluster through the clusterc package.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mna/clusterc"
	"github.com/mna/mainer"
)

const binName = "clusterc_cli"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] <command> [<arg>...]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] <command> [<arg>...]
       %[1]s -h|--help

Interact with a key/value cluster via the clusterc package.

Valid flag options are:
       -h --help                 Show this help and exit immediately.
       -a --addrs ADDRS          Comma-separated list of addresses to connect
                                 to the cluster.
       --hash KEY                Compute and print the hash slot of KEY and
                                 exit immediately.
       -r --read-only            Mark the command as a read so that it may be
                                 served by a replica.
       --replicas POLICY         Replica read policy: never, always or share.
       --refresh DUR             Re-run slot discovery at this interval.

The <command> is the command to execute, with the provided <arg>s.
Redirections and transient cluster errors are handled automatically.
`, binName)
)

type cmd struct {
	Help bool `flag:"h,help"`

	Addrs    string        `flag:"a,addrs"`
	Hash     string        `flag:"hash"`
	ReadOnly bool          `flag:"r,read-only"`
	Replicas string        `flag:"replicas"`
	Refresh  time.Duration `flag:"refresh"`

	args []string
}

func (c *cmd) SetArgs(args []string) {
	c.args = args
}

func (c *cmd) Validate() error {
	if c.Help || c.Hash != "" {
		return nil
	}

	if c.Addrs == "" {
		return errors.New("--addrs is required")
	}
	switch c.Replicas {
	case "", "never", "always", "share":
	default:
		return errors.New("--replicas must be never, always or share")
	}
	if len(c.args) == 0 {
		return errors.New("no command provided")
	}
	return nil
}

func (c *cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	var p mainer.Parser
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		fmt.Fprint(stdio.Stderr, shortUsage)
		return mainer.InvalidArgs
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success

	case c.Hash != "":
		fmt.Fprintf(stdio.Stdout, "slot for %q: %d\n", c.Hash, clusterc.Slot(c.Hash))
		return mainer.Success
	}

	policy := clusterc.ReplicaNever
	switch c.Replicas {
	case "always":
		policy = clusterc.ReplicaAlways
	case "share":
		policy = clusterc.ReplicaShare
	}

	cluster := &clusterc.Cluster{
		StartupNodes:    strings.Split(c.Addrs, ","),
		RefreshInterval: c.Refresh,
		ReplicaReads:    policy,
	}
	defer cluster.Close()

	cmdName := c.args[0]
	cmdArgs := make([]interface{}, len(c.args)-1)
	for i, a := range c.args[1:] {
		cmdArgs[i] = a
	}

	var v interface{}
	var err error
	if c.ReadOnly {
		v, err = cluster.DoRead(cmdName, cmdArgs...)
	} else {
		v, err = cluster.Do(cmdName, cmdArgs...)
	}
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return mainer.Failure
	}
	printReply(stdio, v, "")
	return mainer.Success
}

func printReply(stdio mainer.Stdio, v interface{}, indent string) {
	switch v := v.(type) {
	case nil:
		fmt.Fprintln(stdio.Stdout, indent+"(nil)")
	case []byte:
		fmt.Fprintln(stdio.Stdout, indent+string(v))
	case []interface{}:
		for _, el := range v {
			printReply(stdio, el, indent+"  ")
		}
	default:
		fmt.Fprintf(stdio.Stdout, "%s%v\n", indent, v)
	}
}

func main() {
	var c cmd
	os.Exit(int(c.Main(os.Args, mainer.CurrentStdio())))
}

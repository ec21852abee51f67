package clusterc

import (
	"fmt"
	"strings"
)

// multiKeyCmd describes a command whose arguments are a sequence of
// independent key groups that may span hash slots. interval is the
// number of argument positions per logical sub-command (1 for MGET, 2
// for MSET's key/value pairs), subCmd is the single-group command each
// slice is issued as, and group merges the ordered sub-results into
// the caller's reply.
type multiKeyCmd struct {
	interval int
	subCmd   string
	group    func(sub []interface{}) interface{}
}

var multiKeyCmds = map[string]multiKeyCmd{
	"MGET":   {interval: 1, subCmd: "GET", group: groupValues},
	"DEL":    {interval: 1, subCmd: "DEL", group: groupSum},
	"EXISTS": {interval: 1, subCmd: "EXISTS", group: groupSum},
	"UNLINK": {interval: 1, subCmd: "UNLINK", group: groupSum},
	"TOUCH":  {interval: 1, subCmd: "TOUCH", group: groupSum},
	"MSET":   {interval: 2, subCmd: "SET", group: groupOK},
}

func normalizeCmd(cmd string) string {
	return strings.ToUpper(cmd)
}

func errWrongArgCount(cmd string) error {
	return fmt.Errorf("clusterc: wrong number of arguments for %s", cmd)
}

// groupValues returns the ordered sub-results as-is (MGET: one value
// per key, in submission order).
func groupValues(sub []interface{}) interface{} {
	return sub
}

// groupSum adds up integer sub-results (DEL, EXISTS, ...).
func groupSum(sub []interface{}) interface{} {
	var total int64
	for _, v := range sub {
		if n, ok := v.(int64); ok {
			total += n
		}
	}
	return total
}

// groupOK collapses the sub-results of a write fan-out to the usual
// simple string reply (MSET).
func groupOK([]interface{}) interface{} {
	return "OK"
}

// split decomposes a multi-key command into one sub-command per
// interval-sized argument slice, fans them out through a batch and
// merges the ordered sub-results with the command's group function.
// A batch-level error propagates unchanged.
func (c *Cluster) split(cmd string, mk multiKeyCmd, readOnly bool, args []interface{}) (interface{}, error) {
	if len(args)%mk.interval != 0 {
		return nil, errWrongArgCount(cmd)
	}

	b := c.Batch()
	for i := 0; i < len(args); i += mk.interval {
		b.do(mk.subCmd, readOnly, args[i:i+mk.interval]...)
	}
	sub, err := b.Run()
	if err != nil {
		return nil, err
	}
	return mk.group(sub), nil
}

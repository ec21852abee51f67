package clusterc

import "strings"

// Slot returns the hash slot for the key. If the key contains a hash
// tag - a non-empty section between the first "{" and the first "}"
// that follows it - only that section is hashed, so that related keys
// can be forced onto the same slot.
func Slot(key string) int {
	if start := strings.Index(key, "{"); start >= 0 {
		if end := strings.Index(key[start+1:], "}"); end > 0 { // if end == 0, then it's {}, so we ignore it
			end += start + 1
			key = key[start+1 : end]
		}
	}
	return int(crc16(key) % hashSlots)
}

// SplitBySlot takes a list of keys and returns them grouped by hash
// slot, so that all keys in a group are guaranteed to be served by
// the same node. Within a group, keys keep their input order.
func SplitBySlot(keys ...string) [][]string {
	bySlot := make(map[int][]string)
	slots := make([]int, 0, len(keys))
	for _, k := range keys {
		slot := Slot(k)
		if _, ok := bySlot[slot]; !ok {
			slots = append(slots, slot)
		}
		bySlot[slot] = append(bySlot[slot], k)
	}

	split := make([][]string, 0, len(slots))
	for _, slot := range slots {
		split = append(split, bySlot[slot])
	}
	return split
}

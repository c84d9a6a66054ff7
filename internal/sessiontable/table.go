// Package sessiontable implements the address-keyed session lookup used by
// the UDP transport variant. TCP mode does not use this package; each TCP
// connection already has a dedicated file descriptor and slot.
package sessiontable

import (
	"fmt"
	"sync"
)

// Key identifies a UDP peer by its observed source address.
type Key struct {
	IP   [4]byte
	Port uint16
}

type node struct {
	key  Key
	slot uint16
	next *node
}

// Table is a two-level bucket hash map keyed by (src_ip, src_port),
// indexed by two bytes of the address the way the original bucketed on
// octets of the source IP. Buckets are singly linked lists; on the happy
// path chains are length 1. All operations take a single table-wide
// mutex.
type Table struct {
	mu      sync.Mutex
	buckets [256][256]*node
}

// New returns an empty Table.
func New() *Table {
	return &Table{}
}

func bucketIndex(ip [4]byte) (hi, lo byte) {
	return ip[2], ip[3]
}

// Find returns the slot index registered for (ip, port), if any.
func (t *Table) Find(ip [4]byte, port uint16) (slot uint16, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hi, lo := bucketIndex(ip)
	for n := t.buckets[hi][lo]; n != nil; n = n.next {
		if n.key.IP == ip && n.key.Port == port {
			return n.slot, true
		}
	}
	return 0, false
}

// Insert registers slot under (ip, port) at the head of its bucket chain.
// The returned error is always nil; callers still return the slot to the
// session pool before propagating a non-nil error.
func (t *Table) Insert(ip [4]byte, port uint16, slot uint16) error {
	n := &node{key: Key{IP: ip, Port: port}, slot: slot}
	t.mu.Lock()
	defer t.mu.Unlock()
	hi, lo := bucketIndex(ip)
	n.next = t.buckets[hi][lo]
	t.buckets[hi][lo] = n
	return nil
}

// Remove unlinks the node for (ip, port), asserting that its recorded
// slot matches wantSlot before unlinking — an internal consistency check
// carried over from the original's debug-only assert on node removal.
// Mismatches panic when debug is true and are a silent no-op otherwise.
func (t *Table) Remove(ip [4]byte, port uint16, wantSlot uint16, debug bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hi, lo := bucketIndex(ip)
	var prev *node
	for n := t.buckets[hi][lo]; n != nil; n = n.next {
		if n.key.IP == ip && n.key.Port == port {
			if n.slot != wantSlot {
				if debug {
					panic(fmt.Sprintf("sessiontable: remove: slot mismatch for %v:%d: have %d, want %d",
						ip, port, n.slot, wantSlot))
				}
				return
			}
			if prev == nil {
				t.buckets[hi][lo] = n.next
			} else {
				prev.next = n.next
			}
			return
		}
		prev = n
	}
}

package reconciler

import (
	"hash/fnv"
	"strconv"
)

// NodeID is a node's durable identity: a hash of (parentID,
// positionIndex, kind, key). It is stable across re-renders as long as
// the node's position, kind and key don't change, so durable rows
// (AgentRun, Phase) bind correctly to the same node on every render
// (spec.md §4.3 "Node identity").
type NodeID uint64

// RootNodeID is the identity of the tree's root; it has no parent.
const RootNodeID NodeID = 0

// computeNodeID hashes (parentID, position, kind, key) with FNV-1a.
// The four fields are already in memory and small; a stdlib hash needs
// no third-party library (see DESIGN.md).
func computeNodeID(parentID NodeID, position int, kind Kind, key string) NodeID {
	h := fnv.New64a()
	var buf [8]byte
	putUint64(&buf, uint64(parentID))
	_, _ = h.Write(buf[:])
	putUint64(&buf, uint64(position))
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0}) // separator: kind and key must not collide when concatenated
	_, _ = h.Write([]byte(key))
	return NodeID(h.Sum64())
}

func putUint64(buf *[8]byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// String renders a NodeID as a stable hex string, used in RenderFrame
// XML and logs.
func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 16)
}

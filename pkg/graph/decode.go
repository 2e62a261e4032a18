package graph

import (
	"github.com/orneryd/bifrost/pkg/packstream"
)

// Bolt structure signatures for graph entities. Fixed by the protocol.
const (
	NodeSignature                byte = 0x4E // 'N': id, labels, properties
	RelationshipSignature        byte = 0x52 // 'R': id, start, end, type, properties
	UnboundRelationshipSignature byte = 0x72 // 'r': id, type, properties
	PathSignature                byte = 0x50 // 'P': nodes, relationships, walk indices
)

// NodeFromValue interprets v as a Bolt Node structure. The second return is
// false when v is not a structure, carries a different signature or arity,
// or any field has the wrong shape; a mismatch never yields a partial node.
func NodeFromValue(v packstream.Value) (*Node, bool) {
	s, ok := v.(packstream.Structure)
	if !ok || s.Tag != NodeSignature || len(s.Fields) != 3 {
		return nil, false
	}

	id, ok := identityField(s.Fields[0])
	if !ok {
		return nil, false
	}
	labels, ok := stringListField(s.Fields[1])
	if !ok {
		return nil, false
	}
	props, ok := s.Fields[2].(packstream.Map)
	if !ok {
		return nil, false
	}

	n := NewNode(labels...)
	n.id = id
	n.bound = true
	n.props = props
	return n, true
}

// RelationshipFromValue interprets v as a Bolt Relationship structure.
// Relationships decoded this way always report DirectionFrom: on the wire
// the start node is the source.
func RelationshipFromValue(v packstream.Value) (*Relationship, bool) {
	s, ok := v.(packstream.Structure)
	if !ok || s.Tag != RelationshipSignature || len(s.Fields) != 5 {
		return nil, false
	}

	id, ok := identityField(s.Fields[0])
	if !ok {
		return nil, false
	}
	start, ok := identityField(s.Fields[1])
	if !ok {
		return nil, false
	}
	end, ok := identityField(s.Fields[2])
	if !ok {
		return nil, false
	}
	relType, ok := s.Fields[3].(packstream.String)
	if !ok {
		return nil, false
	}
	props, ok := s.Fields[4].(packstream.Map)
	if !ok {
		return nil, false
	}

	return &Relationship{
		id:      id,
		bound:   true,
		start:   start,
		end:     end,
		relType: string(relType),
		props:   props,
	}, true
}

// UnboundRelationshipFromValue interprets v as a Bolt UnboundRelationship
// structure, the endpoint-less form that appears inside paths.
func UnboundRelationshipFromValue(v packstream.Value) (*UnboundRelationship, bool) {
	s, ok := v.(packstream.Structure)
	if !ok || s.Tag != UnboundRelationshipSignature || len(s.Fields) != 3 {
		return nil, false
	}

	id, ok := identityField(s.Fields[0])
	if !ok {
		return nil, false
	}
	relType, ok := s.Fields[1].(packstream.String)
	if !ok {
		return nil, false
	}
	props, ok := s.Fields[2].(packstream.Map)
	if !ok {
		return nil, false
	}

	return &UnboundRelationship{
		id:      id,
		relType: string(relType),
		props:   props,
	}, true
}

// PathFromValue interprets v as a Bolt Path structure: a node list, an
// unbound relationship list and a walk index list of alternating
// (relationship index, node index) pairs.
//
// A negative relationship index means the step runs against storage order;
// its absolute value minus one indexes the unbound relationship list. A node
// index of zero is the path's start node, any other value indexes the node
// list directly. Each pair becomes one Segment whose relationship is the
// unbound relationship bound to the two nodes of the step, with direction
// taken from the index sign.
func PathFromValue(v packstream.Value) (*Path, bool) {
	s, ok := v.(packstream.Structure)
	if !ok || s.Tag != PathSignature || len(s.Fields) != 3 {
		return nil, false
	}

	nodeList, ok := s.Fields[0].(packstream.List)
	if !ok || len(nodeList) == 0 {
		return nil, false
	}
	nodes := make([]*Node, len(nodeList))
	for i, nv := range nodeList {
		n, ok := NodeFromValue(nv)
		if !ok {
			return nil, false
		}
		nodes[i] = n
	}

	relList, ok := s.Fields[1].(packstream.List)
	if !ok {
		return nil, false
	}
	unbound := make([]*UnboundRelationship, len(relList))
	for i, rv := range relList {
		u, ok := UnboundRelationshipFromValue(rv)
		if !ok {
			return nil, false
		}
		unbound[i] = u
	}

	indexList, ok := s.Fields[2].(packstream.List)
	if !ok || len(indexList)%2 != 0 {
		return nil, false
	}
	indices := make([]int64, len(indexList))
	for i, iv := range indexList {
		n, ok := iv.(packstream.Int)
		if !ok {
			return nil, false
		}
		indices[i] = int64(n)
	}

	segments := make([]Segment, 0, len(indices)/2)
	prev := nodes[0]
	for i := 0; i < len(indices); i += 2 {
		relIdx, nodeIdx := indices[i], indices[i+1]

		direction := DirectionFrom
		if relIdx < 0 {
			direction = DirectionTo
			relIdx = -relIdx
		}
		if relIdx == 0 || relIdx > int64(len(unbound)) {
			return nil, false
		}
		if nodeIdx < 0 || nodeIdx >= int64(len(nodes)) {
			return nil, false
		}

		next := nodes[nodeIdx]
		u := unbound[relIdx-1]
		segments = append(segments, Segment{
			Start: prev,
			Relationship: &Relationship{
				id:        u.id,
				bound:     true,
				start:     prev.id,
				end:       next.id,
				relType:   u.relType,
				direction: direction,
				props:     u.props,
			},
			End: next,
		})
		prev = next
	}

	return &Path{nodes: nodes, segments: segments}, true
}

// identityField accepts a wire identity: a non-negative integer.
func identityField(v packstream.Value) (uint64, bool) {
	n, ok := v.(packstream.Int)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func stringListField(v packstream.Value) ([]string, bool) {
	l, ok := v.(packstream.List)
	if !ok {
		return nil, false
	}
	out := make([]string, len(l))
	for i, item := range l {
		s, ok := item.(packstream.String)
		if !ok {
			return nil, false
		}
		out[i] = string(s)
	}
	return out, true
}

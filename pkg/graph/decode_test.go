package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/bifrost/pkg/packstream"
)

func nodeStruct(id int64, labels packstream.List, props packstream.Map) packstream.Value {
	return packstream.Structure{Tag: NodeSignature, Fields: []packstream.Value{
		packstream.Int(id), labels, props,
	}}
}

func relStruct(id, start, end int64, relType string, props packstream.Map) packstream.Value {
	return packstream.Structure{Tag: RelationshipSignature, Fields: []packstream.Value{
		packstream.Int(id), packstream.Int(start), packstream.Int(end),
		packstream.String(relType), props,
	}}
}

func unboundStruct(id int64, relType string, props packstream.Map) packstream.Value {
	return packstream.Structure{Tag: UnboundRelationshipSignature, Fields: []packstream.Value{
		packstream.Int(id), packstream.String(relType), props,
	}}
}

func pathStruct(nodes, rels, indices packstream.List) packstream.Value {
	return packstream.Structure{Tag: PathSignature, Fields: []packstream.Value{
		nodes, rels, indices,
	}}
}

func TestNodeFromValue(t *testing.T) {
	v := nodeStruct(12345,
		packstream.List{packstream.String("Person"), packstream.String("Employee")},
		packstream.Map{"name": packstream.String("Alice"), "age": packstream.Int(30)},
	)

	n, ok := NodeFromValue(v)
	require.True(t, ok)

	id, bound := n.ID()
	require.True(t, bound)
	assert.Equal(t, uint64(12345), id)
	assert.ElementsMatch(t, []string{"Person", "Employee"}, n.Labels())

	name, ok := n.Property("name")
	require.True(t, ok)
	assert.Equal(t, packstream.String("Alice"), name)
	age, ok := n.Property("age")
	require.True(t, ok)
	assert.Equal(t, packstream.Int(30), age)
}

func TestNodeFromValue_WireRoundTrip(t *testing.T) {
	// Encode the structure through the codec and decode it back before
	// interpreting, the way result assembly sees it.
	encoded := packstream.Encode(nodeStruct(7,
		packstream.List{packstream.String("Person")},
		packstream.Map{"name": packstream.String("Freya")},
	))

	value, err := packstream.Decode(encoded)
	require.NoError(t, err)

	n, ok := NodeFromValue(value)
	require.True(t, ok)
	id, _ := n.ID()
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, []string{"Person"}, n.Labels())
}

func TestNodeFromValue_Mismatches(t *testing.T) {
	goodLabels := packstream.List{packstream.String("Person")}
	goodProps := packstream.Map{}

	tests := []struct {
		name string
		in   packstream.Value
	}{
		{name: "not a structure", in: packstream.Int(1)},
		{name: "nil value", in: nil},
		{
			name: "unknown signature 115",
			in: packstream.Structure{Tag: 115, Fields: []packstream.Value{
				packstream.Int(1), goodLabels, goodProps,
			}},
		},
		{
			name: "relationship signature",
			in:   relStruct(1, 2, 3, "KNOWS", goodProps),
		},
		{
			name: "wrong arity",
			in: packstream.Structure{Tag: NodeSignature, Fields: []packstream.Value{
				packstream.Int(1), goodLabels, goodProps, packstream.Null{},
			}},
		},
		{
			name: "id not an integer",
			in: packstream.Structure{Tag: NodeSignature, Fields: []packstream.Value{
				packstream.String("1"), goodLabels, goodProps,
			}},
		},
		{
			name: "negative id",
			in:   nodeStruct(-1, goodLabels, goodProps),
		},
		{
			name: "labels not a list",
			in: packstream.Structure{Tag: NodeSignature, Fields: []packstream.Value{
				packstream.Int(1), packstream.String("Person"), goodProps,
			}},
		},
		{
			name: "label item not a string",
			in:   nodeStruct(1, packstream.List{packstream.Int(9)}, goodProps),
		},
		{
			name: "properties not a map",
			in: packstream.Structure{Tag: NodeSignature, Fields: []packstream.Value{
				packstream.Int(1), goodLabels, packstream.List{},
			}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			n, ok := NodeFromValue(tt.in)
			assert.False(t, ok)
			assert.Nil(t, n)
		})
	}
}

func TestRelationshipFromValue(t *testing.T) {
	v := relStruct(100, 1, 2, "KNOWS", packstream.Map{"since": packstream.Int(2020)})

	r, ok := RelationshipFromValue(v)
	require.True(t, ok)

	id, bound := r.ID()
	require.True(t, bound)
	assert.Equal(t, uint64(100), id)
	assert.Equal(t, uint64(1), r.StartID())
	assert.Equal(t, uint64(2), r.EndID())
	assert.Equal(t, "KNOWS", r.Type())
	assert.Equal(t, DirectionFrom, r.Direction())

	since, ok := r.Property("since")
	require.True(t, ok)
	assert.Equal(t, packstream.Int(2020), since)
}

func TestRelationshipFromValue_Mismatches(t *testing.T) {
	tests := []struct {
		name string
		in   packstream.Value
	}{
		{name: "node signature", in: nodeStruct(1, packstream.List{}, packstream.Map{})},
		{
			name: "wrong arity",
			in: packstream.Structure{Tag: RelationshipSignature, Fields: []packstream.Value{
				packstream.Int(1), packstream.Int(2), packstream.Int(3), packstream.String("KNOWS"),
			}},
		},
		{
			name: "type not a string",
			in: packstream.Structure{Tag: RelationshipSignature, Fields: []packstream.Value{
				packstream.Int(1), packstream.Int(2), packstream.Int(3), packstream.Int(4), packstream.Map{},
			}},
		},
		{name: "negative endpoint", in: relStruct(1, -2, 3, "KNOWS", packstream.Map{})},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r, ok := RelationshipFromValue(tt.in)
			assert.False(t, ok)
			assert.Nil(t, r)
		})
	}
}

func TestUnboundRelationshipFromValue(t *testing.T) {
	v := unboundStruct(7, "KNOWS", packstream.Map{"since": packstream.Int(1999)})

	u, ok := UnboundRelationshipFromValue(v)
	require.True(t, ok)
	assert.Equal(t, uint64(7), u.ID())
	assert.Equal(t, "KNOWS", u.Type())
	assert.Equal(t, packstream.Int(1999), u.Properties()["since"])

	// The bound signature must not be accepted here.
	_, ok = UnboundRelationshipFromValue(relStruct(7, 1, 2, "KNOWS", packstream.Map{}))
	assert.False(t, ok)
}

func TestPathFromValue(t *testing.T) {
	// (a)-[r1:KNOWS]->(b)<-[r2:LIKES]-(c) walked a, b, c: the second step
	// runs against storage order, so its index is negative.
	nodes := packstream.List{
		nodeStruct(1, packstream.List{packstream.String("Person")}, packstream.Map{}),
		nodeStruct(2, packstream.List{packstream.String("Person")}, packstream.Map{}),
		nodeStruct(3, packstream.List{packstream.String("Person")}, packstream.Map{}),
	}
	rels := packstream.List{
		unboundStruct(10, "KNOWS", packstream.Map{}),
		unboundStruct(11, "LIKES", packstream.Map{}),
	}
	indices := packstream.List{
		packstream.Int(1), packstream.Int(1),
		packstream.Int(-2), packstream.Int(2),
	}

	p, ok := PathFromValue(pathStruct(nodes, rels, indices))
	require.True(t, ok)

	require.Equal(t, 2, p.Len())
	require.Len(t, p.Nodes(), 3)

	segs := p.Segments()

	startID, _ := segs[0].Start.ID()
	endID, _ := segs[0].End.ID()
	assert.Equal(t, uint64(1), startID)
	assert.Equal(t, uint64(2), endID)
	relID, _ := segs[0].Relationship.ID()
	assert.Equal(t, uint64(10), relID)
	assert.Equal(t, "KNOWS", segs[0].Relationship.Type())
	assert.Equal(t, DirectionFrom, segs[0].Relationship.Direction())
	assert.Equal(t, uint64(1), segs[0].Relationship.StartID())
	assert.Equal(t, uint64(2), segs[0].Relationship.EndID())

	startID, _ = segs[1].Start.ID()
	endID, _ = segs[1].End.ID()
	assert.Equal(t, uint64(2), startID)
	assert.Equal(t, uint64(3), endID)
	relID, _ = segs[1].Relationship.ID()
	assert.Equal(t, uint64(11), relID)
	assert.Equal(t, "LIKES", segs[1].Relationship.Type())
	assert.Equal(t, DirectionTo, segs[1].Relationship.Direction())

	startNodeID, _ := p.Start().ID()
	endNodeID, _ := p.End().ID()
	assert.Equal(t, uint64(1), startNodeID)
	assert.Equal(t, uint64(3), endNodeID)
}

func TestPathFromValue_Cycle(t *testing.T) {
	// (a)-[r1]->(b)-[r2]->(a): node index zero points back at the start node.
	nodes := packstream.List{
		nodeStruct(1, packstream.List{}, packstream.Map{}),
		nodeStruct(2, packstream.List{}, packstream.Map{}),
	}
	rels := packstream.List{
		unboundStruct(10, "NEXT", packstream.Map{}),
		unboundStruct(11, "NEXT", packstream.Map{}),
	}
	indices := packstream.List{
		packstream.Int(1), packstream.Int(1),
		packstream.Int(2), packstream.Int(0),
	}

	p, ok := PathFromValue(pathStruct(nodes, rels, indices))
	require.True(t, ok)
	require.Equal(t, 2, p.Len())

	segs := p.Segments()
	endID, _ := segs[1].End.ID()
	assert.Equal(t, uint64(1), endID)
	assert.True(t, p.Start().Equal(p.End()))
}

func TestPathFromValue_SingleNode(t *testing.T) {
	nodes := packstream.List{nodeStruct(5, packstream.List{}, packstream.Map{})}

	p, ok := PathFromValue(pathStruct(nodes, packstream.List{}, packstream.List{}))
	require.True(t, ok)
	assert.Equal(t, 0, p.Len())
	assert.True(t, p.Start().Equal(p.End()))
	assert.Empty(t, p.Segments())
	assert.Empty(t, p.Relationships())
}

func TestPathFromValue_Mismatches(t *testing.T) {
	goodNodes := packstream.List{
		nodeStruct(1, packstream.List{}, packstream.Map{}),
		nodeStruct(2, packstream.List{}, packstream.Map{}),
	}
	goodRels := packstream.List{unboundStruct(10, "NEXT", packstream.Map{})}

	tests := []struct {
		name    string
		nodes   packstream.List
		rels    packstream.List
		indices packstream.List
	}{
		{
			name:    "empty node list",
			nodes:   packstream.List{},
			rels:    goodRels,
			indices: packstream.List{},
		},
		{
			name:    "node list holds non-node",
			nodes:   packstream.List{packstream.Int(1)},
			rels:    goodRels,
			indices: packstream.List{},
		},
		{
			name:    "rel list holds bound relationship",
			nodes:   goodNodes,
			rels:    packstream.List{relStruct(10, 1, 2, "NEXT", packstream.Map{})},
			indices: packstream.List{packstream.Int(1), packstream.Int(1)},
		},
		{
			name:    "odd index count",
			nodes:   goodNodes,
			rels:    goodRels,
			indices: packstream.List{packstream.Int(1)},
		},
		{
			name:    "index not an integer",
			nodes:   goodNodes,
			rels:    goodRels,
			indices: packstream.List{packstream.String("1"), packstream.Int(1)},
		},
		{
			name:    "relationship index zero",
			nodes:   goodNodes,
			rels:    goodRels,
			indices: packstream.List{packstream.Int(0), packstream.Int(1)},
		},
		{
			name:    "relationship index out of range",
			nodes:   goodNodes,
			rels:    goodRels,
			indices: packstream.List{packstream.Int(2), packstream.Int(1)},
		},
		{
			name:    "node index out of range",
			nodes:   goodNodes,
			rels:    goodRels,
			indices: packstream.List{packstream.Int(1), packstream.Int(2)},
		},
		{
			name:    "negative node index",
			nodes:   goodNodes,
			rels:    goodRels,
			indices: packstream.List{packstream.Int(1), packstream.Int(-1)},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p, ok := PathFromValue(pathStruct(tt.nodes, tt.rels, tt.indices))
			assert.False(t, ok)
			assert.Nil(t, p)
		})
	}
}

func TestPathFromValue_WrongShape(t *testing.T) {
	_, ok := PathFromValue(packstream.Int(1))
	assert.False(t, ok)

	_, ok = PathFromValue(packstream.Structure{Tag: PathSignature, Fields: []packstream.Value{
		packstream.List{}, packstream.List{},
	}})
	assert.False(t, ok)
}

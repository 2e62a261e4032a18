// Package graph defines the graph entities carried by Bolt query results:
// nodes, relationships and paths, together with the decoders that recognize
// them inside raw PackStream values.
//
// Entities are reference types. An entity is either bound (it carries the
// server-assigned identity it was decoded with) or unbound (created locally
// and not yet persisted). Identity is write-once: once bound, it never
// changes for the lifetime of the object.
//
// Entities carry no internal locking. Callers that share an entity across
// goroutines must synchronize access themselves.
package graph

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/orneryd/bifrost/pkg/packstream"
)

// ErrIdentityBound is returned when binding an identity to an entity that
// already has one.
var ErrIdentityBound = errors.New("identity already bound")

// Direction records which way a relationship was traversed when it was
// produced: DirectionFrom means the start node was the source, DirectionTo
// means the traversal entered through the end node.
type Direction int

const (
	DirectionFrom Direction = iota
	DirectionTo
)

func (d Direction) String() string {
	if d == DirectionTo {
		return "to"
	}
	return "from"
}

// Node is a graph node: an optional identity, a set of labels and a property
// map. The zero value is not usable; construct nodes with NewNode or decode
// them with NodeFromValue.
type Node struct {
	id     uint64
	bound  bool
	labels []string
	props  packstream.Map
}

// NewNode returns an unbound node carrying the given labels. Duplicate
// labels collapse; label order is not significant.
func NewNode(labels ...string) *Node {
	n := &Node{props: packstream.Map{}}
	for _, label := range labels {
		n.AddLabel(label)
	}
	return n
}

// ID returns the bound identity, or false when the node has not been
// persisted yet.
func (n *Node) ID() (uint64, bool) {
	return n.id, n.bound
}

// Bind assigns the server-side identity. Identity is write-once; binding an
// already-bound node fails with ErrIdentityBound.
func (n *Node) Bind(id uint64) error {
	if n.bound {
		return ErrIdentityBound
	}
	n.id = id
	n.bound = true
	return nil
}

// Labels returns a copy of the node's labels.
func (n *Node) Labels() []string {
	out := make([]string, len(n.labels))
	copy(out, n.labels)
	return out
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.labels {
		if l == label {
			return true
		}
	}
	return false
}

// AddLabel adds a label. Adding a label the node already has is a no-op.
func (n *Node) AddLabel(label string) {
	if n.HasLabel(label) {
		return
	}
	n.labels = append(n.labels, label)
}

// RemoveLabel removes a label if present.
func (n *Node) RemoveLabel(label string) {
	for i, l := range n.labels {
		if l == label {
			n.labels = append(n.labels[:i], n.labels[i+1:]...)
			return
		}
	}
}

// Property returns the value stored under key, or false when absent.
func (n *Node) Property(key string) (packstream.Value, bool) {
	v, ok := n.props[key]
	return v, ok
}

// SetProperty stores a value under key. Setting a nil value removes the key.
func (n *Node) SetProperty(key string, v packstream.Value) {
	if v == nil {
		delete(n.props, key)
		return
	}
	n.props[key] = v
}

// Properties returns the node's property map. The map is live: mutations are
// visible to the node. Entities are not synchronized; see the package
// documentation.
func (n *Node) Properties() packstream.Map {
	return n.props
}

// Equal reports identity equality: both nodes are bound and carry the same
// identity. Two unbound nodes are only equal when they are the same object.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return false
	}
	if n == other {
		return true
	}
	return n.bound && other.bound && n.id == other.id
}

// CreateStatement renders the node as a parametrized creation statement
// returning the created node, for example
//
//	CREATE (n:`Person`:`Employee`) SET n = $props RETURN n
//
// with the properties under the "props" parameter. Labels render sorted.
func (n *Node) CreateStatement() (string, packstream.Map) {
	var b strings.Builder
	b.WriteString("CREATE (n")
	writeLabels(&b, n.labels)
	b.WriteString(")")

	params := packstream.Map{}
	if len(n.props) > 0 {
		b.WriteString(" SET n = $props")
		params["props"] = n.props
	}
	b.WriteString(" RETURN n")
	return b.String(), params
}

// MarshalJSON renders the node with its identity (null when unbound), labels
// and properties in native form.
func (n *Node) MarshalJSON() ([]byte, error) {
	var id any
	if n.bound {
		id = n.id
	}
	return json.Marshal(map[string]any{
		"id":         id,
		"labels":     n.Labels(),
		"properties": packstream.ToNative(n.props),
	})
}

// Relationship is a directed, typed edge between two bound node identities.
type Relationship struct {
	id        uint64
	bound     bool
	start     uint64
	end       uint64
	relType   string
	direction Direction
	props     packstream.Map
}

// NewRelationship returns an unbound relationship of the given type between
// two bound node identities, directed from start to end.
func NewRelationship(start, end uint64, relType string) *Relationship {
	return &Relationship{
		start:   start,
		end:     end,
		relType: relType,
		props:   packstream.Map{},
	}
}

// ID returns the bound identity, or false when the relationship has not been
// persisted yet.
func (r *Relationship) ID() (uint64, bool) {
	return r.id, r.bound
}

// Bind assigns the server-side identity. Identity is write-once; binding an
// already-bound relationship fails with ErrIdentityBound.
func (r *Relationship) Bind(id uint64) error {
	if r.bound {
		return ErrIdentityBound
	}
	r.id = id
	r.bound = true
	return nil
}

// StartID returns the identity of the start node.
func (r *Relationship) StartID() uint64 { return r.start }

// EndID returns the identity of the end node.
func (r *Relationship) EndID() uint64 { return r.end }

// Type returns the relationship type.
func (r *Relationship) Type() string { return r.relType }

// Direction returns how the relationship was traversed when produced.
// Relationships built locally or decoded directly are DirectionFrom; path
// segments walked against storage order are DirectionTo.
func (r *Relationship) Direction() Direction { return r.direction }

// Property returns the value stored under key, or false when absent.
func (r *Relationship) Property(key string) (packstream.Value, bool) {
	v, ok := r.props[key]
	return v, ok
}

// SetProperty stores a value under key. Setting a nil value removes the key.
func (r *Relationship) SetProperty(key string, v packstream.Value) {
	if v == nil {
		delete(r.props, key)
		return
	}
	r.props[key] = v
}

// Properties returns the relationship's live property map.
func (r *Relationship) Properties() packstream.Map {
	return r.props
}

// Equal reports identity equality: both relationships are bound and carry
// the same identity. Two unbound relationships are only equal when they are
// the same object.
func (r *Relationship) Equal(other *Relationship) bool {
	if r == nil || other == nil {
		return false
	}
	if r == other {
		return true
	}
	return r.bound && other.bound && r.id == other.id
}

// CreateStatement renders the relationship as a parametrized creation
// statement returning the created relationship, for example
//
//	MATCH (a), (b) WHERE id(a) = $start AND id(b) = $end CREATE (a)-[r:`KNOWS`]->(b) SET r = $props RETURN r
//
// with the endpoint identities under "start" and "end" and the properties
// under "props".
func (r *Relationship) CreateStatement() (string, packstream.Map) {
	var b strings.Builder
	b.WriteString("MATCH (a), (b) WHERE id(a) = $start AND id(b) = $end CREATE (a)-[r:`")
	b.WriteString(escapeName(r.relType))
	b.WriteString("`]->(b)")

	params := packstream.Map{
		"start": packstream.Int(r.start),
		"end":   packstream.Int(r.end),
	}
	if len(r.props) > 0 {
		b.WriteString(" SET r = $props")
		params["props"] = r.props
	}
	b.WriteString(" RETURN r")
	return b.String(), params
}

// MarshalJSON renders the relationship with its identity (null when
// unbound), endpoints, type, traversal direction and properties.
func (r *Relationship) MarshalJSON() ([]byte, error) {
	var id any
	if r.bound {
		id = r.id
	}
	return json.Marshal(map[string]any{
		"id":         id,
		"start":      r.start,
		"end":        r.end,
		"type":       r.relType,
		"direction":  r.direction.String(),
		"properties": packstream.ToNative(r.props),
	})
}

// UnboundRelationship is a relationship without endpoint identities. It only
// occurs inside path wire structures, where the endpoints are given by the
// walk; PathFromValue pairs each one with its path-local nodes.
type UnboundRelationship struct {
	id      uint64
	relType string
	props   packstream.Map
}

// ID returns the relationship identity.
func (u *UnboundRelationship) ID() uint64 { return u.id }

// Type returns the relationship type.
func (u *UnboundRelationship) Type() string { return u.relType }

// Properties returns the live property map.
func (u *UnboundRelationship) Properties() packstream.Map { return u.props }

// Segment is one step of a path: a bound relationship between two of the
// path's nodes, in walk order.
type Segment struct {
	Start        *Node
	Relationship *Relationship
	End          *Node
}

// Path is an alternating sequence of nodes and relationships. A path always
// has at least one node; a single-node path has no segments.
type Path struct {
	nodes    []*Node
	segments []Segment
}

// Nodes returns the path's distinct nodes in wire order, starting with the
// path's start node. A node traversed twice appears once.
func (p *Path) Nodes() []*Node {
	out := make([]*Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// Segments returns the path's steps in walk order.
func (p *Path) Segments() []Segment {
	out := make([]Segment, len(p.segments))
	copy(out, p.segments)
	return out
}

// Relationships returns the relationship of every segment in walk order.
func (p *Path) Relationships() []*Relationship {
	out := make([]*Relationship, len(p.segments))
	for i, seg := range p.segments {
		out[i] = seg.Relationship
	}
	return out
}

// Start returns the path's start node.
func (p *Path) Start() *Node { return p.nodes[0] }

// End returns the node the walk stops at.
func (p *Path) End() *Node {
	if len(p.segments) == 0 {
		return p.nodes[0]
	}
	return p.segments[len(p.segments)-1].End
}

// Len returns the number of segments.
func (p *Path) Len() int { return len(p.segments) }

// MarshalJSON renders the path's nodes and the bound relationship of each
// segment in walk order.
func (p *Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"nodes":         p.nodes,
		"relationships": p.Relationships(),
	})
}

func writeLabels(b *strings.Builder, labels []string) {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)
	for _, label := range sorted {
		b.WriteString(":`")
		b.WriteString(escapeName(label))
		b.WriteString("`")
	}
}

// escapeName escapes a label or relationship type for use inside backticks.
func escapeName(name string) string {
	return strings.ReplaceAll(name, "`", "``")
}

package bifrost

import (
	"time"

	"github.com/orneryd/bifrost/pkg/bolt"
	"github.com/orneryd/bifrost/pkg/graph"
	"github.com/orneryd/bifrost/pkg/packstream"
)

// StatementType classifies what a statement did, as reported by the server.
type StatementType string

const (
	StatementTypeUnknown   StatementType = ""
	StatementTypeRead      StatementType = "r"
	StatementTypeWrite     StatementType = "w"
	StatementTypeReadWrite StatementType = "rw"
	StatementTypeSchema    StatementType = "s"
)

// QueryStats are the server-reported counters and timings for one statement.
// A statement whose summary carries no counters yields zeroed stats.
type QueryStats struct {
	NodesCreated         int64
	NodesDeleted         int64
	RelationshipsCreated int64
	RelationshipsDeleted int64
	PropertiesSet        int64
	LabelsAdded          int64
	LabelsRemoved        int64

	Type StatementType

	// ResultAvailableAfter is the server-side time to the first record,
	// ResultConsumedAfter the time to the end of the stream.
	ResultAvailableAfter time.Duration
	ResultConsumedAfter  time.Duration
}

// Row maps field names to the values of one result row. Entity values are
// the canonical objects from the result's identity maps; everything else is
// the wire value untouched.
type Row map[string]any

// Node returns the node stored under field.
func (r Row) Node(field string) (*graph.Node, bool) {
	n, ok := r[field].(*graph.Node)
	return n, ok
}

// Relationship returns the relationship stored under field.
func (r Row) Relationship(field string) (*graph.Relationship, bool) {
	rel, ok := r[field].(*graph.Relationship)
	return rel, ok
}

// Path returns the path stored under field.
func (r Row) Path(field string) (*graph.Path, bool) {
	p, ok := r[field].(*graph.Path)
	return p, ok
}

// Value returns the plain (non-entity) value stored under field.
func (r Row) Value(field string) (packstream.Value, bool) {
	v, ok := r[field].(packstream.Value)
	return v, ok
}

// QueryResult is the fully assembled outcome of one statement: the
// projection order, every row in server emission order, identity-keyed
// entity maps covering everything seen anywhere in the result, the paths,
// and the summary counters.
//
// The identity maps hold exactly one object per identity. When the same
// node or relationship appears in several rows, every row references the
// object from its first sighting.
type QueryResult struct {
	Fields        []string
	Rows          []Row
	Nodes         map[uint64]*graph.Node
	Relationships map[uint64]*graph.Relationship
	Paths         []*graph.Path
	Stats         QueryStats
	Bookmark      string
}

// assembleResult lifts a raw statement result into a QueryResult, decoding
// entity structures and deduplicating them by identity.
func assembleResult(res *bolt.StatementResult) *QueryResult {
	qr := &QueryResult{
		Fields:        res.Fields,
		Rows:          make([]Row, 0, len(res.Records)),
		Nodes:         make(map[uint64]*graph.Node),
		Relationships: make(map[uint64]*graph.Relationship),
	}

	for _, record := range res.Records {
		row := make(Row, len(res.Fields))
		for i, value := range record {
			if i >= len(res.Fields) {
				break
			}
			row[res.Fields[i]] = qr.absorb(value)
		}
		qr.Rows = append(qr.Rows, row)
	}

	qr.Stats = parseStats(res.RunMeta, res.Summary)
	qr.Bookmark, _ = res.Summary.GetString("bookmark")
	return qr
}

// absorb tries the entity variants on one row value. Nodes and
// relationships land in the identity maps with first sighting winning;
// paths additionally merge everything they contain. Values that are no
// entity pass through verbatim.
func (qr *QueryResult) absorb(value packstream.Value) any {
	if node, ok := graph.NodeFromValue(value); ok {
		return qr.mergeNode(node)
	}
	if rel, ok := graph.RelationshipFromValue(value); ok {
		return qr.mergeRelationship(rel)
	}
	if path, ok := graph.PathFromValue(value); ok {
		for _, node := range path.Nodes() {
			qr.mergeNode(node)
		}
		for _, rel := range path.Relationships() {
			qr.mergeRelationship(rel)
		}
		qr.Paths = append(qr.Paths, path)
		return path
	}
	return value
}

func (qr *QueryResult) mergeNode(node *graph.Node) *graph.Node {
	id, ok := node.ID()
	if !ok {
		return node
	}
	if existing, seen := qr.Nodes[id]; seen {
		return existing
	}
	qr.Nodes[id] = node
	return node
}

func (qr *QueryResult) mergeRelationship(rel *graph.Relationship) *graph.Relationship {
	id, ok := rel.ID()
	if !ok {
		return rel
	}
	if existing, seen := qr.Relationships[id]; seen {
		return existing
	}
	qr.Relationships[id] = rel
	return rel
}

// parseStats reads the statement classification, counters and timings out
// of the run metadata and the trailing summary.
func parseStats(runMeta, summary packstream.Map) QueryStats {
	var qs QueryStats

	if t, ok := summary.GetString("type"); ok {
		qs.Type = parseStatementType(t)
	}
	if ms, ok := runMeta.GetInt("t_first"); ok {
		qs.ResultAvailableAfter = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := summary.GetInt("t_last"); ok {
		qs.ResultConsumedAfter = time.Duration(ms) * time.Millisecond
	}

	stats, ok := summary.GetMap("stats")
	if !ok {
		return qs
	}
	qs.NodesCreated, _ = stats.GetInt("nodes-created")
	qs.NodesDeleted, _ = stats.GetInt("nodes-deleted")
	qs.RelationshipsCreated, _ = stats.GetInt("relationships-created")
	qs.RelationshipsDeleted, _ = stats.GetInt("relationships-deleted")
	qs.PropertiesSet, _ = stats.GetInt("properties-set")
	qs.LabelsAdded, _ = stats.GetInt("labels-added")
	qs.LabelsRemoved, _ = stats.GetInt("labels-removed")
	return qs
}

func parseStatementType(t string) StatementType {
	switch t {
	case "r":
		return StatementTypeRead
	case "w":
		return StatementTypeWrite
	case "rw":
		return StatementTypeReadWrite
	case "s":
		return StatementTypeSchema
	default:
		return StatementTypeUnknown
	}
}

package bifrost

import (
	"context"
	"fmt"

	"github.com/orneryd/bifrost/pkg/graph"
	"github.com/orneryd/bifrost/pkg/packstream"
)

const (
	updateNodeStatement         = "MATCH (n) WHERE id(n) = $id SET n = $props RETURN n"
	deleteNodeStatement         = "MATCH (n) WHERE id(n) = $id DETACH DELETE n"
	deleteRelationshipStatement = "MATCH ()-[r]->() WHERE id(r) = $id DELETE r"
)

// CreateNode persists a client-built node in its own autocommit transaction
// and binds the server-assigned identity to it. Nodes that already carry an
// identity are rejected.
func (d *Driver) CreateNode(ctx context.Context, node *graph.Node) error {
	if _, bound := node.ID(); bound {
		return graph.ErrIdentityBound
	}

	statement, params := node.CreateStatement()
	qr, err := d.runPooled(ctx, statement, params)
	if err != nil {
		return err
	}

	created, ok := firstNode(qr, "n")
	if !ok {
		return fmt.Errorf("create node: statement returned no node")
	}
	id, _ := created.ID()
	return node.Bind(id)
}

// UpdateNode replaces the stored properties of a persisted node with the
// node's current ones.
func (d *Driver) UpdateNode(ctx context.Context, node *graph.Node) error {
	id, bound := node.ID()
	if !bound {
		return ErrNotPersisted
	}

	params := packstream.Map{
		"id":    packstream.Int(id),
		"props": node.Properties(),
	}
	_, err := d.runPooled(ctx, updateNodeStatement, params)
	return err
}

// DeleteNode removes a persisted node together with its relationships.
func (d *Driver) DeleteNode(ctx context.Context, node *graph.Node) error {
	id, bound := node.ID()
	if !bound {
		return ErrNotPersisted
	}
	_, err := d.runPooled(ctx, deleteNodeStatement, packstream.Map{"id": packstream.Int(id)})
	return err
}

// CreateRelationship persists a client-built relationship between two
// already persisted nodes and binds the server-assigned identity to it.
func (d *Driver) CreateRelationship(ctx context.Context, rel *graph.Relationship) error {
	if _, bound := rel.ID(); bound {
		return graph.ErrIdentityBound
	}

	statement, params := rel.CreateStatement()
	qr, err := d.runPooled(ctx, statement, params)
	if err != nil {
		return err
	}

	created, ok := firstRelationship(qr, "r")
	if !ok {
		return fmt.Errorf("create relationship: statement returned no relationship")
	}
	id, _ := created.ID()
	return rel.Bind(id)
}

// DeleteRelationship removes a persisted relationship.
func (d *Driver) DeleteRelationship(ctx context.Context, rel *graph.Relationship) error {
	id, bound := rel.ID()
	if !bound {
		return ErrNotPersisted
	}
	_, err := d.runPooled(ctx, deleteRelationshipStatement, packstream.Map{"id": packstream.Int(id)})
	return err
}

func firstNode(qr *QueryResult, field string) (*graph.Node, bool) {
	if len(qr.Rows) == 0 {
		return nil, false
	}
	return qr.Rows[0].Node(field)
}

func firstRelationship(qr *QueryResult, field string) (*graph.Relationship, bool) {
	if len(qr.Rows) == 0 {
		return nil, false
	}
	return qr.Rows[0].Relationship(field)
}

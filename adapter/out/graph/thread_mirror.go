// Package graph implements the optional thread graph mirror against Neo4j.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"mailarchive/core/service/threadbuilder"
)

// edgeChunkSize bounds how many edges one UNWIND statement carries.
const edgeChunkSize = 2000

// connectTimeout bounds the connectivity probe at wiring time; the mirror
// is optional, so a dead Neo4j should fail fast and get disabled rather
// than stall startup.
const connectTimeout = 5 * time.Second

// NewDriver opens and verifies the Neo4j driver the mirror writes through.
// An empty username or password falls back to unauthenticated access for local
// single-instance setups.
func NewDriver(url, username, password string) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if username != "" && password != "" {
		auth = neo4j.BasicAuth(username, password, "")
	}

	driver, err := neo4j.NewDriverWithContext(url, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return driver, nil
}

// ThreadMirror replays the Thread Builder's reconstructed parent-child
// edges into Neo4j as (:Patch)-[:REPLIES_TO]->(:Patch), implementing
// threadbuilder.GraphMirror. It is wired as optional and best-effort: the
// builder logs and continues on any error this returns.
type ThreadMirror struct {
	driver   neo4j.DriverWithContext
	database string
	log      zerolog.Logger
}

func NewThreadMirror(driver neo4j.DriverWithContext, database string, log zerolog.Logger) *ThreadMirror {
	return &ThreadMirror{
		driver:   driver,
		database: database,
		log:      log.With().Str("component", "thread_graph_mirror").Logger(),
	}
}

// MirrorEdges upserts one (:Patch {patch_id}) node per endpoint and one
// REPLIES_TO relationship per edge, in chunks, inside a single session.
func (m *ThreadMirror) MirrorEdges(ctx context.Context, edges []threadbuilder.Edge) error {
	if len(edges) == 0 {
		return nil
	}

	session := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for start := 0; start < len(edges); start += edgeChunkSize {
		end := start + edgeChunkSize
		if end > len(edges) {
			end = len(edges)
		}
		chunk := edges[start:end]

		rows := make([]map[string]any, len(chunk))
		for i, e := range chunk {
			rows[i] = map[string]any{"parent": e.ParentPatchID, "child": e.ChildPatchID}
		}

		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return tx.Run(ctx, `
				UNWIND $rows AS row
				MERGE (parent:Patch {patch_id: row.parent})
				MERGE (child:Patch {patch_id: row.child})
				MERGE (parent)-[:REPLIES_TO]->(child)`,
				map[string]any{"rows": rows})
		})
		if err != nil {
			return fmt.Errorf("mirror thread edges: %w", err)
		}
	}

	m.log.Debug().Int("edges", len(edges)).Msg("mirrored thread edges to neo4j")
	return nil
}

var _ threadbuilder.GraphMirror = (*ThreadMirror)(nil)

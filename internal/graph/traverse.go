package graph

import (
	"context"
	"database/sql"
	"sort"

	"github.com/lib/pq"

	"github.com/cityworks/permit-pipeline/internal/models"
)

// Neighbor is one edge viewed from a single entity's side.
type Neighbor struct {
	EntityID      models.BigInt `json:"entity_id"`
	SharedPermits int           `json:"shared_permits"`
}

// Reader serves the symmetric neighbor/traversal/cluster queries the Query
// API drives off the relationships table (§4.4).
type Reader struct {
	db *sql.DB
}

func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Neighbors returns entityID's direct neighbors via the symmetric read of
// §4.4: rows where entity_id_a=X OR entity_id_b=X, mapping the other side.
func (r *Reader) Neighbors(ctx context.Context, entityID models.BigInt) ([]Neighbor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT CASE WHEN entity_id_a = $1 THEN entity_id_b ELSE entity_id_a END AS neighbor,
		       shared_permits
		FROM relationships
		WHERE entity_id_a = $1 OR entity_id_b = $1
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.EntityID, &n.SharedPermits); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Network is the result of an N-hop frontier expansion.
type Network struct {
	Nodes []models.BigInt `json:"nodes"`
	Edges []Neighbor      `json:"edges"` // EntityID here is one endpoint; callers re-derive pairs from Nodes+relationships if needed
}

// EntityNetwork performs the frontier BFS of §4.4: hop 0 = {entityID}, hop
// n+1 = neighbors(hop n) minus already-visited, up to maxHops.
func (r *Reader) EntityNetwork(ctx context.Context, entityID models.BigInt, maxHops int) (*Network, error) {
	if maxHops < 1 {
		maxHops = 1
	}
	visited := map[models.BigInt]bool{entityID: true}
	frontier := []models.BigInt{entityID}
	nodes := []models.BigInt{entityID}

	for hop := 0; hop < maxHops; hop++ {
		var next []models.BigInt
		for _, id := range frontier {
			neighbors, err := r.Neighbors(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if visited[n.EntityID] {
					continue
				}
				visited[n.EntityID] = true
				next = append(next, n.EntityID)
				nodes = append(nodes, n.EntityID)
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	edges, err := r.edgesAmong(ctx, nodes)
	if err != nil {
		return nil, err
	}
	return &Network{Nodes: nodes, Edges: edges}, nil
}

func (r *Reader) edgesAmong(ctx context.Context, nodes []models.BigInt) ([]Neighbor, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	inSet := make(map[models.BigInt]bool, len(nodes))
	for _, n := range nodes {
		inSet[n] = true
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_id_a, entity_id_b, shared_permits FROM relationships
		WHERE entity_id_a = ANY($1) OR entity_id_b = ANY($1)
	`, pq.Array(nodes))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var a, b models.BigInt
		var weight int
		if err := rows.Scan(&a, &b, &weight); err != nil {
			return nil, err
		}
		if inSet[a] && inSet[b] {
			out = append(out, Neighbor{EntityID: a, SharedPermits: weight})
		}
	}
	return out, rows.Err()
}

// Cluster is a connected component of the subgraph filtered by min weight.
type Cluster struct {
	EntityIDs []models.BigInt `json:"entity_ids"`
}

// FindClusters runs BFS-based connected components over the subgraph of
// edges with shared_permits >= minWeight, returning components with at
// least minSize members (§4.4, §4.7 FindClusters). entityType, when
// non-empty, restricts the subgraph to edges between two entities that both
// carry that entity_type.
func (r *Reader) FindClusters(ctx context.Context, minWeight, minSize int, entityType string) ([]Cluster, error) {
	adjacency, err := r.loadAdjacency(ctx, minWeight, entityType)
	if err != nil {
		return nil, err
	}

	visited := map[models.BigInt]bool{}
	var clusters []Cluster

	nodes := make([]models.BigInt, 0, len(adjacency))
	for n := range adjacency {
		nodes = append(nodes, n)
	}
	sortBigInts(nodes)

	for _, start := range nodes {
		if visited[start] {
			continue
		}
		var component []models.BigInt
		queue := []models.BigInt{start}
		visited[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			component = append(component, cur)
			for _, nb := range adjacency[cur] {
				if !visited[nb] {
					visited[nb] = true
					queue = append(queue, nb)
				}
			}
		}
		if len(component) >= minSize {
			sortBigInts(component)
			clusters = append(clusters, Cluster{EntityIDs: component})
		}
	}
	return clusters, nil
}

func (r *Reader) loadAdjacency(ctx context.Context, minWeight int, entityType string) (map[models.BigInt][]models.BigInt, error) {
	query := `SELECT entity_id_a, entity_id_b FROM relationships WHERE shared_permits >= $1`
	args := []interface{}{minWeight}
	if entityType != "" {
		query = `
			SELECT r.entity_id_a, r.entity_id_b FROM relationships r
			JOIN entities ea ON ea.entity_id = r.entity_id_a
			JOIN entities eb ON eb.entity_id = r.entity_id_b
			WHERE r.shared_permits >= $1 AND ea.entity_type = $2 AND eb.entity_type = $2
		`
		args = append(args, entityType)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	adjacency := map[models.BigInt][]models.BigInt{}
	for rows.Next() {
		var a, b models.BigInt
		if err := rows.Scan(&a, &b); err != nil {
			return nil, err
		}
		adjacency[a] = append(adjacency[a], b)
		adjacency[b] = append(adjacency[b], a)
	}
	return adjacency, rows.Err()
}

func sortBigInts(ids []models.BigInt) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

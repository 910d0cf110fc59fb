package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/pgvector/pgvector-go"

	"videoCaption/core"
)

// EmbeddingIndex stores one embedding per video and answers nearest-neighbor
// queries by cosine similarity.
type EmbeddingIndex interface {
	Upsert(ctx context.Context, videoID string, vec []float32) error
	Get(ctx context.Context, videoID string) ([]float32, error)
	Search(ctx context.Context, vec []float32, topK int, excludeID string) ([]core.Neighbor, error)
	Delete(ctx context.Context, videoID string) error
}

// ---------------- Memory index ----------------

type MemoryIndex struct {
	mu   sync.RWMutex
	vecs map[string][]float32
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vecs: map[string][]float32{}}
}

func (m *MemoryIndex) Upsert(ctx context.Context, videoID string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	m.mu.Lock()
	m.vecs[videoID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Get(ctx context.Context, videoID string) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vecs[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]float32, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemoryIndex) Search(ctx context.Context, vec []float32, topK int, excludeID string) ([]core.Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	neighbors := []core.Neighbor{}
	for id, v := range m.vecs {
		if id == excludeID {
			continue
		}
		neighbors = append(neighbors, core.Neighbor{VideoID: id, Score: core.Cosine(vec, v)})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Score != neighbors[j].Score {
			return neighbors[i].Score > neighbors[j].Score
		}
		return neighbors[i].VideoID < neighbors[j].VideoID
	})
	if len(neighbors) > topK {
		neighbors = neighbors[:topK]
	}
	return neighbors, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, videoID string) error {
	m.mu.Lock()
	delete(m.vecs, videoID)
	m.mu.Unlock()
	return nil
}

// ---------------- pgvector index ----------------

type PgVectorIndex struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPgVectorIndex creates the vector extension and embedding table if needed.
// The pool may be shared with a PgRecordStore.
func NewPgVectorIndex(ctx context.Context, pool *pgxpool.Pool, dim int) (*PgVectorIndex, error) {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("create vector extension: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS video_embeddings (
		video_id VARCHAR(64) PRIMARY KEY,
		embedding vector(%d) NOT NULL
	)`, dim)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create embeddings table: %w", err)
	}
	return &PgVectorIndex{pool: pool, dim: dim}, nil
}

func (p *PgVectorIndex) Upsert(ctx context.Context, videoID string, vec []float32) error {
	if len(vec) != p.dim {
		return fmt.Errorf("embedding dim %d, want %d", len(vec), p.dim)
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO video_embeddings (video_id, embedding) VALUES ($1, $2)
		 ON CONFLICT (video_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		videoID, pgvector.NewVector(vec),
	)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) Get(ctx context.Context, videoID string) ([]float32, error) {
	var v pgvector.Vector
	err := p.pool.QueryRow(ctx,
		`SELECT embedding FROM video_embeddings WHERE video_id = $1`, videoID,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return v.Slice(), nil
}

func (p *PgVectorIndex) Search(ctx context.Context, vec []float32, topK int, excludeID string) ([]core.Neighbor, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT video_id, 1 - (embedding <=> $1) AS similarity
		 FROM video_embeddings WHERE video_id <> $2
		 ORDER BY embedding <=> $1 LIMIT $3`,
		pgvector.NewVector(vec), excludeID, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()

	neighbors := []core.Neighbor{}
	for rows.Next() {
		var n core.Neighbor
		if err := rows.Scan(&n.VideoID, &n.Score); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, rows.Err()
}

func (p *PgVectorIndex) Delete(ctx context.Context, videoID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM video_embeddings WHERE video_id = $1`, videoID)
	if err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

// ---------------- Milvus index ----------------

const milvusCollection = "video_embeddings"

type MilvusIndex struct {
	mc  client.Client
	dim int
}

func NewMilvusIndex(ctx context.Context, addr string, dim int) (*MilvusIndex, error) {
	mc, err := client.NewClient(ctx, client.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("connect to milvus: %w", err)
	}
	idx := &MilvusIndex{mc: mc, dim: dim}
	if err := idx.ensureCollection(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return idx, nil
}

func (m *MilvusIndex) ensureCollection(ctx context.Context) error {
	has, err := m.mc.HasCollection(ctx, milvusCollection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !has {
		schema := entity.NewSchema().WithName(milvusCollection).
			WithField(entity.NewField().WithName("video_id").WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(64).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName("embedding").WithDataType(entity.FieldTypeFloatVector).
				WithDim(int64(m.dim)))
		if err := m.mc.CreateCollection(ctx, schema, 1); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		hnsw, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
		if err != nil {
			return fmt.Errorf("build hnsw index: %w", err)
		}
		if err := m.mc.CreateIndex(ctx, milvusCollection, "embedding", hnsw, false); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if err := m.mc.LoadCollection(ctx, milvusCollection, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (m *MilvusIndex) Upsert(ctx context.Context, videoID string, vec []float32) error {
	// Milvus has no native upsert for varchar keys here; delete then insert.
	if err := m.Delete(ctx, videoID); err != nil {
		return err
	}
	ids := entity.NewColumnVarChar("video_id", []string{videoID})
	vecs := entity.NewColumnFloatVector("embedding", m.dim, [][]float32{vec})
	if _, err := m.mc.Insert(ctx, milvusCollection, "", ids, vecs); err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	if err := m.mc.Flush(ctx, milvusCollection, false); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (m *MilvusIndex) Get(ctx context.Context, videoID string) ([]float32, error) {
	expr := fmt.Sprintf(`video_id == "%s"`, videoID)
	rs, err := m.mc.Query(ctx, milvusCollection, nil, expr, []string{"embedding"})
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	for _, col := range rs {
		vecs, ok := col.(*entity.ColumnFloatVector)
		if ok && vecs.Len() > 0 {
			return vecs.Data()[0], nil
		}
	}
	return nil, ErrNotFound
}

func (m *MilvusIndex) Search(ctx context.Context, vec []float32, topK int, excludeID string) ([]core.Neighbor, error) {
	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("search params: %w", err)
	}
	expr := fmt.Sprintf(`video_id != "%s"`, excludeID)
	results, err := m.mc.Search(ctx, milvusCollection, nil, expr, []string{"video_id"},
		[]entity.Vector{entity.FloatVector(vec)}, "embedding", entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}

	neighbors := []core.Neighbor{}
	for _, res := range results {
		idCol, ok := res.Fields.GetColumn("video_id").(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		for i := 0; i < res.ResultCount; i++ {
			id, err := idCol.ValueByIdx(i)
			if err != nil {
				continue
			}
			neighbors = append(neighbors, core.Neighbor{VideoID: id, Score: float64(res.Scores[i])})
		}
	}
	return neighbors, nil
}

func (m *MilvusIndex) Delete(ctx context.Context, videoID string) error {
	expr := fmt.Sprintf(`video_id == "%s"`, videoID)
	if err := m.mc.Delete(ctx, milvusCollection, "", expr); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

func (m *MilvusIndex) Close() { m.mc.Close() }

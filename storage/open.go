package storage

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"videoCaption/config"
)

// Open builds the record store and embedding index selected by the config,
// falling back to the in-memory backends when a remote one cannot be reached.
// The returned closer releases whatever connections were opened.
func Open(ctx context.Context, cfg *config.Config, dim int, log zerolog.Logger) (RecordStore, EmbeddingIndex, func()) {
	var (
		records RecordStore
		index   EmbeddingIndex
		pg      *PgRecordStore
		milvus  *MilvusIndex
	)

	if cfg.PostgresURL != "" {
		var err error
		pg, err = NewPgRecordStore(ctx, cfg.PostgresURL)
		if err != nil {
			log.Warn().Err(err).Msg("postgres unavailable, using in-memory records")
		} else {
			records = pg
			log.Info().Msg("using postgres record store")
		}
	}
	if records == nil {
		records = NewMemoryRecordStore()
		log.Info().Msg("using in-memory record store")
	}

	switch cfg.Store {
	case "pgvector":
		if pg == nil {
			log.Warn().Msg("pgvector store requires postgres, using in-memory index")
			break
		}
		pv, err := NewPgVectorIndex(ctx, pg.pool, dim)
		if err != nil {
			log.Warn().Err(err).Msg("pgvector unavailable, using in-memory index")
			break
		}
		index = pv
		log.Info().Msg("using pgvector embedding index")
	case "milvus":
		addr := os.Getenv("MILVUS_ADDR")
		if addr == "" {
			addr = "localhost:19530"
		}
		mi, err := NewMilvusIndex(ctx, addr, dim)
		if err != nil {
			log.Warn().Err(err).Msg("milvus unavailable, using in-memory index")
			break
		}
		index = mi
		milvus = mi
		log.Info().Msg("using milvus embedding index")
	}
	if index == nil {
		index = NewMemoryIndex()
		log.Info().Msg("using in-memory embedding index")
	}

	closer := func() {
		if milvus != nil {
			milvus.Close()
		}
		if pg != nil {
			pg.Close()
		}
	}
	return records, index, closer
}

package app

import (
	"context"
	"time"

	"github.com/MrWong99/voxid/internal/embedding"
	"github.com/MrWong99/voxid/internal/identity"
	"github.com/MrWong99/voxid/internal/matcher"
	"github.com/MrWong99/voxid/internal/telemetry"
)

// timedResolver records every match as a telemetry event.
type timedResolver struct {
	next identity.Resolver
	rec  *telemetry.Recorder
}

func (r timedResolver) Match(ctx context.Context, req matcher.MatchRequest) (matcher.Result, error) {
	start := time.Now()
	res, err := r.next.Match(ctx, req)
	r.rec.RecordMatch(ctx, req.SessionID, time.Since(start), err)
	return res, err
}

// timedWriter records every embedding persistence as a telemetry event.
type timedWriter struct {
	next identity.EmbeddingWriter
	rec  *telemetry.Recorder
}

func (w timedWriter) StoreEmbedding(ctx context.Context, e embedding.NewEmbedding) (string, error) {
	start := time.Now()
	id, err := w.next.StoreEmbedding(ctx, e)
	w.rec.RecordStore(ctx, e.SessionID, time.Since(start), err)
	return id, err
}

var (
	_ identity.Resolver        = timedResolver{}
	_ identity.EmbeddingWriter = timedWriter{}
)

package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/fingerprint"
	"github.com/carepath/report-pipeline/internal/model"
	"github.com/carepath/report-pipeline/internal/store"
)

// typedArtifact is a stored artifact with its decoded payload.
type typedArtifact[T any] struct {
	ref     model.ArtifactRef
	payload T
}

func decodeArtifact[T any](a *model.Artifact) (*typedArtifact[T], error) {
	var p T
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return nil, eris.Wrapf(err, "pipeline: decode %s %s", a.Kind, a.ID)
	}
	return &typedArtifact[T]{ref: a.ArtifactRef, payload: p}, nil
}

// findArtifact looks up an artifact by its idempotency tuple. A missing row
// returns (nil, nil).
func findArtifact[T any](ctx context.Context, st store.Store, kind model.ArtifactKind, jobID, scope, hash string) (*typedArtifact[T], error) {
	a, err := st.FindArtifact(ctx, store.ArtifactKey{Kind: kind, JobID: jobID, Scope: scope, InputsHash: hash})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeArtifact[T](a)
}

// putArtifact stores payload as canonical JSON. If another writer got there
// first the winner's row is returned with created=false.
func putArtifact[T any](ctx context.Context, st store.Store, kind model.ArtifactKind, jobID, scope, hash, version string, payload T) (*typedArtifact[T], bool, error) {
	raw, err := fingerprint.Canonical(payload)
	if err != nil {
		return nil, false, err
	}
	stored, created, err := st.PutArtifact(ctx, &model.Artifact{
		ArtifactRef: model.ArtifactRef{
			JobID:      jobID,
			Kind:       kind,
			Scope:      scope,
			InputsHash: hash,
			Version:    version,
		},
		Payload: raw,
	})
	if err != nil {
		return nil, false, err
	}
	t, err := decodeArtifact[T](stored)
	if err != nil {
		return nil, false, err
	}
	return t, created, nil
}

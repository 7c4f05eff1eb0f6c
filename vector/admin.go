package vector

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// CreateAlias points alias at collection.
func (s *QdrantStore) CreateAlias(ctx context.Context, alias, collection string) error {
	if err := s.client.CreateAlias(ctx, alias, collection); err != nil {
		return fmt.Errorf("failed to create alias %s -> %s: %w", alias, collection, err)
	}
	return nil
}

// SwapAlias atomically repoints alias from one collection to another using a
// single alias-update transaction: delete then recreate in one request.
func (s *QdrantStore) SwapAlias(ctx context.Context, alias, from, to string) error {
	actions := []*qdrant.AliasOperations{
		{
			Action: &qdrant.AliasOperations_DeleteAlias{
				DeleteAlias: &qdrant.DeleteAlias{AliasName: alias},
			},
		},
		{
			Action: &qdrant.AliasOperations_CreateAlias{
				CreateAlias: &qdrant.CreateAlias{
					AliasName:      alias,
					CollectionName: to,
				},
			},
		},
	}
	if err := s.client.UpdateAliases(ctx, actions); err != nil {
		return fmt.Errorf("failed to swap alias %s from %s to %s: %w", alias, from, to, err)
	}
	return nil
}

// ListAliases returns alias → collection for the whole instance.
func (s *QdrantStore) ListAliases(ctx context.Context) (map[string]string, error) {
	aliases, err := s.client.ListAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	out := make(map[string]string, len(aliases))
	for _, a := range aliases {
		out[a.AliasName] = a.CollectionName
	}
	return out, nil
}

// CreateSnapshot snapshots a collection and returns the snapshot name.
func (s *QdrantStore) CreateSnapshot(ctx context.Context, collection string) (string, error) {
	desc, err := s.client.CreateSnapshot(ctx, collection)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot of %s: %w", collection, err)
	}
	return desc.Name, nil
}

// ListSnapshots lists snapshot names for a collection.
func (s *QdrantStore) ListSnapshots(ctx context.Context, collection string) ([]string, error) {
	descs, err := s.client.ListSnapshots(ctx, collection)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", collection, err)
	}
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}
	return names, nil
}

// DeleteSnapshot removes a snapshot.
func (s *QdrantStore) DeleteSnapshot(ctx context.Context, collection, name string) error {
	if err := s.client.DeleteSnapshot(ctx, collection, name); err != nil {
		return fmt.Errorf("failed to delete snapshot %s of %s: %w", name, collection, err)
	}
	return nil
}

// EnableQuantization turns on scalar int8 quantization at the given quantile.
func (s *QdrantStore) EnableQuantization(ctx context.Context, collection string, quantile float32) error {
	if quantile <= 0 || quantile > 1 {
		return fmt.Errorf("quantile must be in (0, 1], got %v", quantile)
	}
	err := s.client.UpdateCollection(ctx, &qdrant.UpdateCollection{
		CollectionName: collection,
		QuantizationConfig: &qdrant.QuantizationConfigDiff{
			Quantization: &qdrant.QuantizationConfigDiff_Scalar{
				Scalar: &qdrant.ScalarQuantization{
					Type:     qdrant.QuantizationType_Int8,
					Quantile: qdrant.PtrOf(quantile),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enable quantization on %s: %w", collection, err)
	}
	return nil
}

// DisableQuantization turns scalar quantization off.
func (s *QdrantStore) DisableQuantization(ctx context.Context, collection string) error {
	err := s.client.UpdateCollection(ctx, &qdrant.UpdateCollection{
		CollectionName: collection,
		QuantizationConfig: &qdrant.QuantizationConfigDiff{
			Quantization: &qdrant.QuantizationConfigDiff_Disabled{
				Disabled: &qdrant.Disabled{},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to disable quantization on %s: %w", collection, err)
	}
	return nil
}

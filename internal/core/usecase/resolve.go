package usecase

import (
	"context"
	"log/slog"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

// EntityResolver maps the model's entity names onto store ids through the
// taxonomy cache.
type EntityResolver struct {
	cache *TaxonomyCache
	mode  CreateMode
}

func NewEntityResolver(cache *TaxonomyCache, mode CreateMode) *EntityResolver {
	return &EntityResolver{cache: cache, mode: mode}
}

// Resolve turns a validated classification into store ids. Tag order follows
// the model's answer; duplicates collapse to the first occurrence. Any newly
// created entity is recorded on the returned value.
func (r *EntityResolver) Resolve(ctx context.Context, result domain.ClassificationResult) (domain.ResolvedClassification, error) {
	result = r.sanitize(result)

	resolved := domain.ResolvedClassification{Date: result.DocumentDate}

	assign := func(kind domain.EntityKind, name string, target **int) error {
		if name == "" {
			return nil
		}
		id, created, err := r.cache.ResolveOrCreate(ctx, kind, name, r.mode)
		if err != nil {
			return err
		}
		if created {
			resolved.Created = append(resolved.Created, domain.CreatedEntity{Kind: kind, Name: name, ID: id})
		}
		*target = &id
		return nil
	}

	if err := assign(domain.KindDocumentType, result.DocumentType, &resolved.DocumentType); err != nil {
		return domain.ResolvedClassification{}, err
	}
	if err := assign(domain.KindCorrespondent, result.Correspondent, &resolved.Correspondent); err != nil {
		return domain.ResolvedClassification{}, err
	}
	if err := assign(domain.KindStoragePath, result.StoragePath, &resolved.StoragePath); err != nil {
		return domain.ResolvedClassification{}, err
	}

	seen := make(map[int]bool, len(result.Tags))
	for _, name := range result.Tags {
		id, created, err := r.cache.ResolveOrCreate(ctx, domain.KindTag, name, r.mode)
		if err != nil {
			return domain.ResolvedClassification{}, err
		}
		if created {
			resolved.Created = append(resolved.Created, domain.CreatedEntity{Kind: domain.KindTag, Name: name, ID: id})
		}
		if !seen[id] {
			seen[id] = true
			resolved.TagIDs = append(resolved.TagIDs, id)
		}
	}

	return resolved, nil
}

// sanitize drops a correspondent that collides with a known storage-path
// name. Models occasionally echo the folder name into the correspondent
// field; writing it would create a bogus correspondent entity.
func (r *EntityResolver) sanitize(result domain.ClassificationResult) domain.ClassificationResult {
	if result.Correspondent == "" {
		return result
	}
	if _, isPath := r.cache.Lookup(domain.KindStoragePath, result.Correspondent); isPath {
		if _, isKnown := r.cache.Lookup(domain.KindCorrespondent, result.Correspondent); !isKnown {
			slog.Warn("dropping correspondent that matches a storage path name",
				"correspondent", result.Correspondent)
			result.Correspondent = ""
		}
	}
	return result
}

package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/namespace"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/storage/repository"
)

// StoreService manages the tuple-keyed KV store exposed over HTTP. Every
// namespace, whatever encoding it arrived in, goes through the same
// normaliser before touching storage.
type StoreService struct {
	repo   *repository.Repository
	logger *logger.Logger
}

// NewStoreService creates the store service.
func NewStoreService(repo *repository.Repository, log *logger.Logger) *StoreService {
	return &StoreService{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "store-service")),
	}
}

// Put upserts an item under (namespace, key, owner).
func (s *StoreService) Put(ctx context.Context, owner string, req *dto.StorePut) (*models.StoreItem, error) {
	ns, err := namespace.Normalize(req.Namespace)
	if err != nil {
		return nil, translate(err)
	}
	if req.Key == "" {
		return nil, invalid("key is required")
	}
	item := &models.StoreItem{
		Namespace: ns,
		Key:       req.Key,
		Value:     req.Value,
	}
	if item.Value == nil {
		item.Value = map[string]interface{}{}
	}
	if err := s.repo.PutItem(ctx, item, owner); err != nil {
		return nil, translate(err)
	}
	return item, nil
}

// Get retrieves one item. The raw namespace may be a query-string scalar or
// a JSON array; both normalise identically.
func (s *StoreService) Get(ctx context.Context, owner string, rawNamespace interface{}, key string) (*models.StoreItem, error) {
	ns, err := namespace.Normalize(rawNamespace)
	if err != nil {
		return nil, translate(err)
	}
	if key == "" {
		return nil, invalid("key is required")
	}
	item, err := s.repo.GetItem(ctx, ns, key, owner)
	return item, translate(err)
}

// Delete removes one item.
func (s *StoreService) Delete(ctx context.Context, owner string, rawNamespace interface{}, key string) error {
	ns, err := namespace.Normalize(rawNamespace)
	if err != nil {
		return translate(err)
	}
	if key == "" {
		return invalid("key is required")
	}
	return translate(s.repo.DeleteItem(ctx, ns, key, owner))
}

// Search lists items under a namespace prefix, newest first. An absent
// prefix lists everything the owner can see.
func (s *StoreService) Search(ctx context.Context, owner string, req *dto.StoreSearch) ([]*models.StoreItem, error) {
	var prefix []string
	if req.NamespacePrefix != nil {
		ns, err := namespace.Normalize(req.NamespacePrefix)
		if err != nil {
			return nil, translate(err)
		}
		prefix = ns
	}
	items, err := s.repo.SearchItems(ctx, owner, prefix, req.Limit, req.Offset)
	return items, translate(err)
}

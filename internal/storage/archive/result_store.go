// Package archive mirrors saved crawl results into a blob store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config controls where archived results are written.
type Config struct {
	Prefix string
}

// ResultStore decorates a crawler.ResultStore. After the wrapped store accepts
// a result, the result is written as JSON to
//
//	<prefix>/<owner-kind>/<owner-id>/<sha256>.json
//
// Archive failures are logged and never fail the save.
type ResultStore struct {
	next   crawler.ResultStore
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
	logger *zap.Logger
}

// New wraps next.
func New(next crawler.ResultStore, blobs crawler.BlobStore, hasher crawler.Hasher, cfg Config, logger *zap.Logger) (*ResultStore, error) {
	if next == nil || blobs == nil || hasher == nil {
		return nil, fmt.Errorf("archive requires a result store, blob store and hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultStore{
		next:   next,
		blobs:  blobs,
		hasher: hasher,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// SaveResult implements crawler.ResultStore.
func (s *ResultStore) SaveResult(ctx context.Context, result crawler.CrawlResult) error {
	if err := s.next.SaveResult(ctx, result); err != nil {
		return err
	}
	uri, err := s.archive(ctx, result)
	if err != nil {
		s.logger.Warn("archive result failed",
			zap.String("result_id", result.ID),
			zap.String("target_id", result.TargetID),
			zap.Error(err),
		)
		return nil
	}
	s.logger.Debug("result archived", zap.String("result_id", result.ID), zap.String("uri", uri))
	return nil
}

// ListResults implements crawler.ResultStore.
func (s *ResultStore) ListResults(ctx context.Context, monitorID string, limit int) ([]crawler.CrawlResult, error) {
	return s.next.ListResults(ctx, monitorID, limit)
}

// PruneResults implements crawler.ResultStore. Archived copies are kept.
func (s *ResultStore) PruneResults(ctx context.Context, monitorID string, keep int) (int, error) {
	return s.next.PruneResults(ctx, monitorID, keep)
}

// DeleteTaskResults implements crawler.ResultStore. Archived copies are kept.
func (s *ResultStore) DeleteTaskResults(ctx context.Context, taskID string) (int, error) {
	return s.next.DeleteTaskResults(ctx, taskID)
}

func (s *ResultStore) archive(ctx context.Context, result crawler.CrawlResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	sum, err := s.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash result: %w", err)
	}
	return s.blobs.PutObject(ctx, ObjectPath(s.prefix, result, sum), "application/json", bytes.NewReader(data))
}

// ObjectPath returns the archive location of a result with the given digest.
func ObjectPath(prefix string, result crawler.CrawlResult, sum string) string {
	kind, owner := "adhoc", result.TargetID
	switch {
	case result.MonitorID != "":
		kind, owner = "monitors", result.MonitorID
	case result.TaskID != "":
		kind, owner = "tasks", result.TaskID
	}
	return path.Join(prefix, kind, owner, sum+".json")
}

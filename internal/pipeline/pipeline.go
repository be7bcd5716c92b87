// Package pipeline walks target → children → grandchildren through the API
// client, isolating per-child failures.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-orchestrator/internal/client"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// Query parameter names sent to the external API.
const (
	ParamID     = "id"
	ParamParent = "parent"
	ParamLimit  = "limit"
	ParamAfter  = "after"
)

// Caller performs one logical API call. *client.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, endpoint string, params crawler.Params, opts ...client.CallOption) ([]crawler.Item, error)
}

// Endpoints names the remote resources for each level of the hierarchy.
type Endpoints struct {
	Target        string
	Children      string
	Grandchildren string
}

// Config holds pipeline settings.
type Config struct {
	Endpoints Endpoints
	// PageSize is the number of items requested per listing call.
	PageSize int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Endpoints: Endpoints{Target: "entities", Children: "children", Grandchildren: "grandchildren"},
		PageSize:  100,
	}
}

// Validate rejects incomplete pipeline settings.
func (c Config) Validate() error {
	if c.Endpoints.Target == "" || c.Endpoints.Children == "" || c.Endpoints.Grandchildren == "" {
		return errors.New("pipeline endpoints must all be set")
	}
	if c.PageSize <= 0 {
		return errors.New("pipeline page_size must be > 0")
	}
	return nil
}

// Pipeline runs one crawl of a single target.
type Pipeline struct {
	caller Caller
	cfg    Config
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// New wires a Pipeline. logger may be nil.
func New(caller Caller, cfg Config, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) (*Pipeline, error) {
	if caller == nil || ids == nil || clock == nil {
		return nil, errors.New("pipeline: caller, id generator and clock are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{caller: caller, cfg: cfg, ids: ids, clock: clock, logger: logger}, nil
}

// Run crawls targetID within limits. It never returns an error: target-level
// failures set TargetFailed and per-child failures are collected in Errors.
// An auth or permission error at any level stops the walk and sets
// AbortCategory.
func (p *Pipeline) Run(ctx context.Context, targetID string, limits crawler.CrawlLimits) crawler.CrawlResult {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.Run",
		trace.WithAttributes(attribute.String("crawl.target_id", targetID)))
	defer span.End()

	result := crawler.CrawlResult{TargetID: targetID, Errors: []string{}, StartedAt: p.clock.Now()}
	if id, err := p.ids.NewID(); err == nil {
		result.ID = id
	} else {
		p.logger.Warn("failed to generate result id", zap.Error(err))
	}

	p.crawl(ctx, targetID, limits, &result)

	result.CompletedAt = p.clock.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	span.SetAttributes(
		attribute.Int("crawl.children", result.ChildrenFound),
		attribute.Int("crawl.grandchildren", result.GrandchildrenFound),
		attribute.Int("crawl.errors", len(result.Errors)),
	)
	telemetry.ObservePipelineRun(outcome(result), result.ChildrenFound, result.GrandchildrenFound)
	return result
}

func (p *Pipeline) crawl(ctx context.Context, targetID string, limits crawler.CrawlLimits, result *crawler.CrawlResult) {
	var opts []client.CallOption
	if limits.MaxAttempts > 0 {
		opts = append(opts, client.WithMaxAttempts(limits.MaxAttempts))
	}

	meta, err := p.caller.Call(ctx, p.cfg.Endpoints.Target, crawler.Params{ParamID: targetID}, opts...)
	if err != nil {
		p.failTarget(result, fmt.Sprintf("target %s: %v", targetID, err))
		abortOn(result, err)
		return
	}
	if len(meta) == 0 {
		p.failTarget(result, fmt.Sprintf("target %s: not found", targetID))
		return
	}

	children, err := p.list(ctx, p.cfg.Endpoints.Children, targetID, limits.MaxChildren, opts)
	if err != nil {
		p.failTarget(result, fmt.Sprintf("target %s children: %v", targetID, err))
		abortOn(result, err)
		return
	}
	result.ChildrenFound = len(children)
	if limits.MaxGrandchildren == 0 {
		return
	}

	var pacer *rate.Limiter
	if limits.PacingDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(limits.PacingDelay), 1)
	}
	for i, child := range children {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("crawl interrupted after %d of %d children: %v", i, len(children), err))
			return
		}
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("crawl interrupted after %d of %d children: %v", i, len(children), err))
				return
			}
		}
		grandchildren, err := p.list(ctx, p.cfg.Endpoints.Grandchildren, child.ID, limits.MaxGrandchildren, opts)
		if err != nil {
			p.logger.Debug("child failed",
				zap.String("target_id", targetID),
				zap.String("child_id", child.ID),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, fmt.Sprintf("child %s: %v", child.ID, err))
			if abortOn(result, err) {
				p.logger.Warn("crawl aborted",
					zap.String("target_id", targetID),
					zap.String("child_id", child.ID),
					zap.String("category", string(result.AbortCategory)),
				)
				return
			}
			continue
		}
		result.GrandchildrenFound += len(grandchildren)
	}
}

// list pages through endpoint for parentID until limit items are collected or
// the remote runs out.
func (p *Pipeline) list(ctx context.Context, endpoint, parentID string, limit int, opts []client.CallOption) ([]crawler.Item, error) {
	out := make([]crawler.Item, 0, min(limit, p.cfg.PageSize))
	after := ""
	for len(out) < limit {
		want := min(p.cfg.PageSize, limit-len(out))
		params := crawler.Params{ParamParent: parentID, ParamLimit: strconv.Itoa(want)}
		if after != "" {
			params[ParamAfter] = after
		}
		page, err := p.caller.Call(ctx, endpoint, params, opts...)
		if err != nil {
			return out, err
		}
		if len(page) > want {
			page = page[:want]
		}
		out = append(out, page...)
		if len(page) < want {
			break
		}
		after = page[len(page)-1].ID
	}
	return out, nil
}

func (p *Pipeline) failTarget(result *crawler.CrawlResult, msg string) {
	result.TargetFailed = true
	result.Errors = append(result.Errors, msg)
}

// abortOn records err's category on result when it ends the run.
func abortOn(result *crawler.CrawlResult, err error) bool {
	if c := crawler.CategoryOf(err); c.Aborts() {
		result.AbortCategory = c
		return true
	}
	return false
}

func outcome(r crawler.CrawlResult) string {
	switch {
	case r.Aborted():
		return "aborted"
	case r.Failed():
		return "failed"
	case r.Partial():
		return "partial"
	default:
		return "success"
	}
}


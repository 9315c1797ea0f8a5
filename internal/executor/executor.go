// Package executor implements the long-running chain-follower (spec
// §4.6): an initial bootstrap catch-up, then continuous head tailing with
// fork detection and rollback. Grounded on the staged
// fetch-then-poll-completion loop in turbo/snapshotsync.WaitForDownloader
// (ticker-driven progress polling, ctx.Done() honored between steps,
// retry-with-sleep on a failed fetch) adapted from a one-shot download
// wait into the indexer's continuous tail.
package executor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tzConnectBerlin/que-pasa/internal/block"
)

// Mode mirrors contracts.mode (spec §3).
type Mode string

const (
	ModeBootstrap Mode = "Bootstrap"
	ModeHead      Mode = "Head"
)

// NodeClient is the subset of the node RPC contract (spec §6) the
// executor drives directly.
type NodeClient interface {
	FetchBlock(ctx context.Context, levelOrHash string) (*block.Block, error)
	Head(ctx context.Context) (*block.Block, error)
}

// Store is the subset of internal/db the executor drives: committing a
// processed level, rolling back on fork, and reporting the stored tip.
type Store interface {
	ProcessAndCommitLevel(ctx context.Context, header LevelHeader, blk *block.Block) error
	Rollback(ctx context.Context, reorgPoint int64) error
	StoredTip(ctx context.Context) (level int64, hash string, ok bool, err error)
	HashAt(ctx context.Context, level int64) (string, bool, error)
	RepopulateAll(ctx context.Context) error
	SetMode(ctx context.Context, mode Mode) error
}

// LevelHeader is the minimal per-level metadata Store needs; kept here
// (rather than importing internal/db) so this package's contract with the
// writer stays an interface, per spec §1 treating persistence as a
// pluggable concern of the core pipeline.
type LevelHeader struct {
	Level    int64
	Hash     string
	PrevHash string
	BakedAt  string
}

// Config tunes the executor's concurrency and polling behavior (spec §5).
type Config struct {
	FetcherConcurrency int
	HeadPollInterval   time.Duration
	MaxForkWalkback    int64
	RetryCeiling       time.Duration
}

func DefaultConfig() Config {
	return Config{
		FetcherConcurrency: 8,
		HeadPollInterval:   15 * time.Second,
		MaxForkWalkback:    64,
		RetryCeiling:       2 * time.Minute,
	}
}

// Executor drives the bootstrap-then-head loop described in spec §4.6.
type Executor struct {
	node  NodeClient
	store Store
	log   *zap.Logger
	cfg   Config
}

func New(node NodeClient, store Store, log *zap.Logger, cfg Config) *Executor {
	return &Executor{node: node, store: store, log: log, cfg: cfg}
}

// Run executes bootstrap over the given levels, then tails the head
// indefinitely until ctx is canceled.
func (e *Executor) Run(ctx context.Context, levels []int64) error {
	if err := e.Bootstrap(ctx, levels); err != nil {
		return errors.Wrap(err, "executor: bootstrap")
	}
	return e.TailHead(ctx)
}

// Bootstrap implements spec §4.6's bootstrap loop: fetch every given level
// with bounded concurrency, then, once all fetches have finished, commit
// them oldest-first, each in its own transaction, then repopulate derived
// tables and flip to Head mode.
func (e *Executor) Bootstrap(ctx context.Context, levels []int64) error {
	sorted := append([]int64(nil), levels...)
	sortInt64s(sorted)

	fetched := make([]*block.Block, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetcherConcurrency)
	for i, lvl := range sorted {
		i, lvl := i, lvl
		g.Go(func() error {
			b, err := e.fetchWithRetry(gctx, levelString(lvl))
			if err != nil {
				return err
			}
			fetched[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "executor: fetching bootstrap levels")
	}

	for i, b := range fetched {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.commit(ctx, b); err != nil {
			return errors.Wrapf(err, "executor: committing bootstrap level %d", sorted[i])
		}
	}

	if err := e.store.RepopulateAll(ctx); err != nil {
		return errors.Wrap(err, "executor: repopulating derived tables")
	}
	return e.store.SetMode(ctx, ModeHead)
}

// TailHead implements spec §4.6's head loop: poll for the chain head,
// detect forks by comparing prev_hash to the stored tip, roll back on
// mismatch, then advance.
func (e *Executor) TailHead(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.HeadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.tailOnce(ctx); err != nil {
				e.log.Error("head tail iteration failed", zap.Error(err))
			}
		}
	}
}

func (e *Executor) tailOnce(ctx context.Context) error {
	head, err := e.node.Head(ctx)
	if err != nil {
		return errors.Wrap(err, "executor: fetching head")
	}

	tipLevel, tipHash, ok, err := e.store.StoredTip(ctx)
	if err != nil {
		return errors.Wrap(err, "executor: reading stored tip")
	}
	if !ok {
		return e.commit(ctx, head)
	}
	if head.Level <= tipLevel {
		return nil
	}

	if head.Predecessor.String() == tipHash {
		for lvl := tipLevel + 1; lvl <= head.Level; lvl++ {
			b := head
			if lvl != head.Level {
				b, err = e.fetchWithRetry(ctx, levelString(lvl))
				if err != nil {
					return err
				}
			}
			if err := e.commit(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}

	reorgPoint, err := e.findReorgPoint(ctx, tipLevel)
	if err != nil {
		return errors.Wrap(err, "executor: walking back fork")
	}
	if err := e.store.Rollback(ctx, reorgPoint); err != nil {
		return errors.Wrap(err, "executor: rolling back fork")
	}
	for lvl := reorgPoint + 1; lvl <= head.Level; lvl++ {
		b, err := e.fetchWithRetry(ctx, levelString(lvl))
		if err != nil {
			return err
		}
		if err := e.commit(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// findReorgPoint implements spec §4.6's walk-back: for k = 1, 2, ... fetch
// tipLevel-k and compare its hash to our stored hash at that level; the
// first level where they match (the highest common level below tipLevel)
// is the reorg point.
func (e *Executor) findReorgPoint(ctx context.Context, tipLevel int64) (int64, error) {
	for k := int64(1); k <= e.cfg.MaxForkWalkback; k++ {
		lvl := tipLevel - k
		if lvl < 0 {
			return 0, nil
		}
		b, err := e.fetchWithRetry(ctx, levelString(lvl))
		if err != nil {
			return 0, err
		}
		stored, ok, err := e.store.HashAt(ctx, lvl)
		if err != nil {
			return 0, err
		}
		if ok && stored == b.Hash.String() {
			return lvl, nil
		}
	}
	return 0, errors.Errorf("executor: fork walkback exceeded %d levels without finding a common ancestor", e.cfg.MaxForkWalkback)
}

func (e *Executor) commit(ctx context.Context, b *block.Block) error {
	return e.store.ProcessAndCommitLevel(ctx, LevelHeader{
		Level:    b.Level,
		Hash:     b.Hash.String(),
		PrevHash: b.Predecessor.String(),
		BakedAt:  b.Timestamp.Format(time.RFC3339),
	}, b)
}

// fetchWithRetry retries transient node RPC failures with exponential
// backoff up to cfg.RetryCeiling (spec §5 "every node RPC is retried with
// exponential backoff up to a configurable ceiling").
func (e *Executor) fetchWithRetry(ctx context.Context, levelOrHash string) (*block.Block, error) {
	var result *block.Block
	op := func() error {
		b, err := e.node.FetchBlock(ctx, levelOrHash)
		if err != nil {
			return err
		}
		result = b
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxElapsedTime(backoff.NewExponentialBackOff(), e.cfg.RetryCeiling), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, errors.Wrapf(err, "executor: fetching block %s", levelOrHash)
	}
	return result, nil
}

func levelString(level int64) string {
	return itoa(level)
}

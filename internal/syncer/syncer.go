// Package syncer mirrors entity nodes and edges from a primary graph
// store into a secondary one, either as a one-shot full copy or as a
// polling loop keyed on a created_at watermark.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/graph"
)

// Config tunes the sync orchestrator.
type Config struct {
	// PageSize is how many records move per page. Default 500.
	PageSize int

	// RetryAttempts per page or record on transient errors. Default 3.
	RetryAttempts int

	// RetryDelay between attempts. Default 100ms.
	RetryDelay time.Duration

	// Interval between continuous cycles. Default 5m.
	Interval time.Duration

	// TruncateSecondary clears the secondary before a full run.
	TruncateSecondary bool

	// SafetyThreshold blocks a truncating run that would shrink the
	// secondary node count by more than this ratio. Default 0.5.
	SafetyThreshold float64

	// OnProgress, when set, observes every progress update.
	OnProgress ProgressFunc
}

func (c *Config) normalize() {
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.SafetyThreshold <= 0 || c.SafetyThreshold >= 1 {
		c.SafetyThreshold = 0.5
	}
}

// Orchestrator copies nodes and edges from the primary store to the
// secondary. RunFull performs a one-shot copy; Start polls the primary
// for records created after the last successful cycle.
type Orchestrator struct {
	cfg       Config
	primary   graph.GraphStore
	secondary graph.GraphStore
	logger    *zap.Logger

	mu        sync.RWMutex
	progress  Progress
	watermark time.Time
	running   bool
	inFlight  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles        atomic.Int64
	idleCycles    atomic.Int64
	cycleFailures atomic.Int64
	nodesSynced   atomic.Int64
	edgesSynced   atomic.Int64
}

// New builds an orchestrator over a primary and secondary store.
func New(primary, secondary graph.GraphStore, cfg Config, logger *zap.Logger) *Orchestrator {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		logger:    logger.Named("syncer"),
		progress:  Progress{Status: StatusIdle},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the continuous sync loop.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run()
	o.logger.Info("Continuous sync started", zap.Duration("interval", o.cfg.Interval))
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.logger.Info("Continuous sync stopped")
}

func (o *Orchestrator) run() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if err := o.SyncOnce(o.ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("Sync cycle failed", zap.Error(err))
			}
		}
	}
}

// RunFull copies every node and edge from the primary into the
// secondary, phase by phase, and reports the final progress.
func (o *Orchestrator) RunFull(ctx context.Context) (Progress, error) {
	if err := o.begin(); err != nil {
		return o.GetProgress(), err
	}
	defer o.end()

	started := time.Now().UTC()
	o.setProgress(func(p *Progress) {
		*p = Progress{Status: StatusRunning, CurrentPhase: PhaseStarting, StartedAt: &started}
	})
	o.logger.Info("Full sync starting", zap.Bool("truncate", o.cfg.TruncateSecondary))

	err := o.runFullPhases(ctx)

	completed := time.Now().UTC()
	o.setProgress(func(p *Progress) {
		p.CompletedAt = &completed
		switch {
		case err == nil:
			p.Status = StatusCompleted
			p.CurrentPhase = PhaseDone
		case errors.Is(err, context.Canceled):
			p.Status = StatusCancelled
			p.Errors = append(p.Errors, err.Error())
		default:
			p.Status = StatusFailed
			p.Errors = append(p.Errors, err.Error())
		}
	})

	final := o.GetProgress()
	if err != nil {
		o.logger.Error("Full sync aborted",
			zap.String("phase", final.CurrentPhase), zap.Error(err))
		return final, err
	}

	// Records created mid-run land after the start watermark, so the
	// next incremental cycle re-fetches them. Upserts make that safe.
	o.mu.Lock()
	o.watermark = started
	o.mu.Unlock()

	o.logger.Info("Full sync completed",
		zap.Int("nodes", final.MigratedNodes),
		zap.Int("edges", final.MigratedEdges),
		zap.Int("failed_nodes", final.FailedNodes),
		zap.Int("failed_edges", final.FailedEdges),
		zap.Duration("took", final.Duration()))
	return final, nil
}

func (o *Orchestrator) runFullPhases(ctx context.Context) error {
	if o.cfg.TruncateSecondary {
		if err := o.clearSecondary(ctx); err != nil {
			return err
		}
	}

	o.setProgress(func(p *Progress) { p.CurrentPhase = PhaseCounting })
	totalNodes, err := o.primary.CountNodes(ctx, "")
	if err != nil {
		return fmt.Errorf("count primary nodes: %w", err)
	}
	totalEdges, err := o.primary.CountEdges(ctx, "")
	if err != nil {
		return fmt.Errorf("count primary edges: %w", err)
	}
	o.setProgress(func(p *Progress) {
		p.TotalNodes = totalNodes
		p.TotalEdges = totalEdges
	})
	o.logger.Info("Source counted", zap.Int("nodes", totalNodes), zap.Int("edges", totalEdges))

	o.setProgress(func(p *Progress) { p.CurrentPhase = PhaseNodes })
	imported := make(map[string]struct{}, totalNodes)
	err = graph.StreamNodes(ctx, o.primary, "", time.Time{}, o.cfg.PageSize, func(page []*graph.EntityNode) error {
		applied, failed := o.pushNodes(ctx, page, imported)
		o.setProgress(func(p *Progress) {
			p.MigratedNodes += applied
			p.FailedNodes += failed
		})
		return ctx.Err()
	})
	if err != nil {
		return fmt.Errorf("stream nodes: %w", err)
	}

	o.setProgress(func(p *Progress) { p.CurrentPhase = PhaseEdges })
	err = graph.StreamEdges(ctx, o.primary, "", time.Time{}, o.cfg.PageSize, func(page []*graph.EntityEdge) error {
		ready := make([]*graph.EntityEdge, 0, len(page))
		skipped := 0
		for _, e := range page {
			if _, ok := imported[e.SourceNodeUUID]; !ok {
				skipped++
				continue
			}
			if _, ok := imported[e.TargetNodeUUID]; !ok {
				skipped++
				continue
			}
			ready = append(ready, e)
		}
		if skipped > 0 {
			o.logger.Debug("Skipping edges with missing endpoints", zap.Int("skipped", skipped))
		}
		applied, failed := o.pushEdges(ctx, ready)
		o.setProgress(func(p *Progress) {
			p.MigratedEdges += applied
			p.FailedEdges += failed + skipped
		})
		return ctx.Err()
	})
	if err != nil {
		return fmt.Errorf("stream edges: %w", err)
	}

	return o.verify(ctx)
}

// clearSecondary truncates the secondary after checking the copy would
// not destroy more data than it restores.
func (o *Orchestrator) clearSecondary(ctx context.Context) error {
	primaryNodes, err := o.primary.CountNodes(ctx, "")
	if err != nil {
		return fmt.Errorf("count primary nodes: %w", err)
	}
	secondaryNodes, err := o.secondary.CountNodes(ctx, "")
	if err != nil {
		return fmt.Errorf("count secondary nodes: %w", err)
	}

	if secondaryNodes > 0 {
		if primaryNodes == 0 {
			return fault.Permanent(fmt.Errorf(
				"refusing truncate: primary is empty but secondary holds %d nodes", secondaryNodes))
		}
		shrink := float64(secondaryNodes-primaryNodes) / float64(secondaryNodes)
		if shrink > o.cfg.SafetyThreshold {
			return fault.Permanent(fmt.Errorf(
				"refusing truncate: sync would shrink secondary from %d to %d nodes (%.0f%%)",
				secondaryNodes, primaryNodes, shrink*100))
		}
		if shrink > 0.1 {
			o.logger.Warn("Secondary will shrink",
				zap.Int("from", secondaryNodes), zap.Int("to", primaryNodes))
		}
	}

	o.setProgress(func(p *Progress) { p.CurrentPhase = PhaseClearing })
	o.logger.Info("Truncating secondary store")
	if err := o.secondary.TruncateAll(ctx); err != nil {
		return fmt.Errorf("truncate secondary: %w", err)
	}
	return nil
}

// verify compares the stores after a copy. A shortfall is reported, not
// fatal: failed records were already counted per page.
func (o *Orchestrator) verify(ctx context.Context) error {
	o.setProgress(func(p *Progress) { p.CurrentPhase = PhaseVerifying })

	nodes, err := o.secondary.CountNodes(ctx, "")
	if err != nil {
		return fmt.Errorf("verify nodes: %w", err)
	}
	edges, err := o.secondary.CountEdges(ctx, "")
	if err != nil {
		return fmt.Errorf("verify edges: %w", err)
	}

	p := o.GetProgress()
	if nodes < p.MigratedNodes || edges < p.MigratedEdges {
		o.logger.Warn("Secondary counts below migrated totals",
			zap.Int("nodes", nodes), zap.Int("edges", edges),
			zap.Int("migrated_nodes", p.MigratedNodes),
			zap.Int("migrated_edges", p.MigratedEdges))
	} else {
		o.logger.Info("Verification complete", zap.Int("nodes", nodes), zap.Int("edges", edges))
	}
	return nil
}

// SyncOnce runs one incremental cycle: skip when the stores already
// match, otherwise copy primary records created after the watermark.
// Only a fully applied cycle advances the watermark, so a failed cycle
// replays from the same point.
func (o *Orchestrator) SyncOnce(ctx context.Context) error {
	if err := o.begin(); err != nil {
		return err
	}
	defer o.end()

	o.cycles.Add(1)
	cycleStart := time.Now().UTC()

	changed, err := o.changed(ctx)
	if err != nil {
		o.cycleFailures.Add(1)
		return err
	}
	if !changed {
		o.idleCycles.Add(1)
		o.logger.Debug("Stores aligned, skipping cycle")
		return nil
	}

	o.mu.RLock()
	watermark := o.watermark
	o.mu.RUnlock()

	var nodes, edges, failed int
	err = graph.StreamNodes(ctx, o.primary, "", watermark, o.cfg.PageSize, func(page []*graph.EntityNode) error {
		applied, pageFailed := o.pushNodes(ctx, page, nil)
		nodes += applied
		failed += pageFailed
		return ctx.Err()
	})
	if err != nil {
		o.cycleFailures.Add(1)
		return fmt.Errorf("incremental nodes: %w", err)
	}
	err = graph.StreamEdges(ctx, o.primary, "", watermark, o.cfg.PageSize, func(page []*graph.EntityEdge) error {
		applied, pageFailed := o.pushEdges(ctx, page)
		edges += applied
		failed += pageFailed
		return ctx.Err()
	})
	if err != nil {
		o.cycleFailures.Add(1)
		return fmt.Errorf("incremental edges: %w", err)
	}

	o.mu.Lock()
	o.watermark = cycleStart
	o.mu.Unlock()
	o.nodesSynced.Add(int64(nodes))
	o.edgesSynced.Add(int64(edges))

	if nodes > 0 || edges > 0 || failed > 0 {
		o.logger.Info("Incremental sync applied",
			zap.Int("nodes", nodes), zap.Int("edges", edges), zap.Int("failed", failed),
			zap.Time("watermark", cycleStart))
	}
	return nil
}

// changed compares node and edge counts across the stores.
func (o *Orchestrator) changed(ctx context.Context) (bool, error) {
	pn, err := o.primary.CountNodes(ctx, "")
	if err != nil {
		return false, fmt.Errorf("count primary nodes: %w", err)
	}
	pe, err := o.primary.CountEdges(ctx, "")
	if err != nil {
		return false, fmt.Errorf("count primary edges: %w", err)
	}
	sn, err := o.secondary.CountNodes(ctx, "")
	if err != nil {
		return false, fmt.Errorf("count secondary nodes: %w", err)
	}
	se, err := o.secondary.CountEdges(ctx, "")
	if err != nil {
		return false, fmt.Errorf("count secondary edges: %w", err)
	}
	if pn != sn || pe != se {
		o.logger.Info("Stores diverged",
			zap.Int("primary_nodes", pn), zap.Int("secondary_nodes", sn),
			zap.Int("primary_edges", pe), zap.Int("secondary_edges", se))
		return true, nil
	}
	return false, nil
}

// pushNodes upserts a page, falling back to per-record writes when the
// page as a whole keeps failing, so one bad record cannot discard its
// neighbors. Applied node UUIDs land in imported when it is non-nil.
func (o *Orchestrator) pushNodes(ctx context.Context, page []*graph.EntityNode, imported map[string]struct{}) (applied, failed int) {
	err := o.withRetry(ctx, func() error {
		return o.secondary.UpsertEntityNodes(ctx, page)
	})
	if err == nil {
		if imported != nil {
			for _, n := range page {
				imported[n.UUID] = struct{}{}
			}
		}
		return len(page), 0
	}

	o.logger.Warn("Node page rejected, retrying records individually",
		zap.Int("page", len(page)), zap.Error(err))
	for _, n := range page {
		if err := o.withRetry(ctx, func() error {
			return o.secondary.UpsertEntityNodes(ctx, []*graph.EntityNode{n})
		}); err != nil {
			failed++
			o.logger.Debug("Node skipped", zap.String("uuid", n.UUID), zap.Error(err))
			continue
		}
		if imported != nil {
			imported[n.UUID] = struct{}{}
		}
		applied++
	}
	return applied, failed
}

// pushEdges is pushNodes for entity edges.
func (o *Orchestrator) pushEdges(ctx context.Context, page []*graph.EntityEdge) (applied, failed int) {
	if len(page) == 0 {
		return 0, 0
	}
	err := o.withRetry(ctx, func() error {
		return o.secondary.UpsertEntityEdges(ctx, page)
	})
	if err == nil {
		return len(page), 0
	}

	o.logger.Warn("Edge page rejected, retrying records individually",
		zap.Int("page", len(page)), zap.Error(err))
	for _, e := range page {
		if err := o.withRetry(ctx, func() error {
			return o.secondary.UpsertEntityEdges(ctx, []*graph.EntityEdge{e})
		}); err != nil {
			failed++
			o.logger.Debug("Edge skipped", zap.String("uuid", e.UUID), zap.Error(err))
			continue
		}
		applied++
	}
	return applied, failed
}

// withRetry runs fn up to RetryAttempts times, pausing RetryDelay
// between tries. Only transient failures are retried.
func (o *Orchestrator) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < o.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.RetryDelay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !fault.IsTransient(err) {
			return err
		}
	}
	return err
}

// begin guards against overlapping runs.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return fault.Conflict(errors.New("sync already in progress"))
	}
	o.inFlight = true
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
}

// setProgress mutates progress under the lock, then notifies the
// callback outside it.
func (o *Orchestrator) setProgress(mutate func(*Progress)) {
	o.mu.Lock()
	mutate(&o.progress)
	snapshot := o.progress
	snapshot.Errors = append([]string(nil), o.progress.Errors...)
	o.mu.Unlock()
	o.notify(snapshot)
}

func (o *Orchestrator) notify(p Progress) {
	cb := o.cfg.OnProgress
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("Progress callback panicked", zap.Any("panic", r))
		}
	}()
	cb(p)
}

// GetProgress returns a copy of the current run state.
func (o *Orchestrator) GetProgress() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p := o.progress
	p.Errors = append([]string(nil), o.progress.Errors...)
	return p
}

// Watermark returns the high-water mark of the last successful cycle.
func (o *Orchestrator) Watermark() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.watermark
}

// Snapshot reports sync counters.
func (o *Orchestrator) Snapshot() map[string]interface{} {
	o.mu.RLock()
	watermark := o.watermark
	status := o.progress.Status
	o.mu.RUnlock()

	snap := map[string]interface{}{
		"status":         string(status),
		"cycles":         o.cycles.Load(),
		"idle_cycles":    o.idleCycles.Load(),
		"cycle_failures": o.cycleFailures.Load(),
		"nodes_synced":   o.nodesSynced.Load(),
		"edges_synced":   o.edgesSynced.Load(),
	}
	if !watermark.IsZero() {
		snap["watermark"] = watermark.Format(time.RFC3339Nano)
	}
	return snap
}

// Package session runs the sync pipeline for one project: it turns dirty
// paths into applied, broadcast PatchSets and serves the resulting state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/livesync/livesync/internal/events"
	"github.com/livesync/livesync/internal/logging"
	"github.com/livesync/livesync/internal/metrics"
	"github.com/livesync/livesync/internal/models"
	"github.com/livesync/livesync/internal/project"
	"github.com/livesync/livesync/internal/reconciler"
	"github.com/livesync/livesync/internal/snapshot"
	"github.com/livesync/livesync/internal/tree"
	"github.com/livesync/livesync/internal/vfs"
	"github.com/livesync/livesync/internal/watcher"
)

// Options configures a LiveSession.
type Options struct {
	Rules     snapshot.Rules // nil means snapshot.DefaultRules
	Strict    bool
	Retention events.Options
}

// Info describes the running session.
type Info struct {
	SessionID     ID
	ProjectName   string
	RootID        models.ID
	ServePlaceIDs []int64
	Cursor        uint64
}

// LiveSession owns the mirror, the instance tree and the change log of one
// project. Passes are serialized; reads may happen from any goroutine.
type LiveSession struct {
	id      ID
	project *project.Project
	mirror  *vfs.Mirror
	builder *snapshot.Builder
	tree    *tree.Tree
	queue   *events.Broadcaster

	// passMu serializes reconciliation passes.
	passMu sync.Mutex
	// stateMu pairs each tree change with its log entry so FullSnapshot
	// always returns a tree and the cursor it corresponds to.
	stateMu sync.RWMutex

	pendingMu     sync.Mutex
	pendingPaths  map[string]struct{}
	pendingRescan map[string]struct{}
	wake          chan struct{}
}

// New mirrors every sync point of p and builds the initial tree. The
// initial tree corresponds to cursor zero.
func New(p *project.Project, opts Options) (*LiveSession, error) {
	rules := opts.Rules
	if rules == nil {
		rules = snapshot.DefaultRules()
	}

	s := &LiveSession{
		id:            NewID(),
		project:       p,
		mirror:        vfs.New(),
		builder:       snapshot.New(rules, snapshot.Policy{Strict: opts.Strict}),
		tree:          tree.New(),
		queue:         events.NewBroadcaster(opts.Retention),
		pendingPaths:  make(map[string]struct{}),
		pendingRescan: make(map[string]struct{}),
		wake:          make(chan struct{}, 1),
	}

	for _, ref := range p.SyncPoints() {
		if _, err := s.mirror.AddRoot(ref.Path); err != nil {
			metrics.RecordPassError("mirror")
			logging.Warn("failed to mirror part of sync point",
				zap.String("sync_point", ref.Key()),
				zap.String("path", ref.Path),
				zap.Error(err))
		}
	}
	metrics.SetMirrorItems(s.mirror.Len())

	root, errs := s.builder.Build(p, s.mirror)
	s.reportBuildErrors(errs)
	if root == nil {
		return nil, fmt.Errorf("build initial snapshot: %w", errors.Join(errs...))
	}
	if _, err := s.tree.Apply(reconciler.Diff(s.tree, root)); err != nil {
		return nil, fmt.Errorf("apply initial snapshot: %w", err)
	}
	metrics.SetTreeSize(s.tree.Len())

	logging.Info("session started",
		zap.String("session_id", s.id.String()),
		zap.String("project", p.Name),
		zap.Int("instances", s.tree.Len()),
		zap.Int("mirrored_paths", s.mirror.Len()))
	return s, nil
}

// Process runs one reconciliation pass: refresh the mirror at paths (and
// rescan the given roots in full), rebuild affected snapshot subtrees,
// diff, apply and broadcast. It returns the applied PatchSet, which is nil
// when nothing changed.
func (s *LiveSession) Process(paths, rescan []string) (models.PatchSet, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	applied, err := s.pass(paths, rescan)
	metrics.RecordPass(time.Since(start), err == nil)
	return applied, err
}

func (s *LiveSession) pass(paths, rescan []string) (models.PatchSet, error) {
	var dirty []string
	refresh := func(op func(string) ([]string, error), path string) {
		changed, err := op(path)
		dirty = append(dirty, changed...)
		if err != nil {
			metrics.RecordPassError("mirror")
			logging.Warn("mirror refresh incomplete", zap.String("path", path), zap.Error(err))
		}
	}
	for _, root := range rescan {
		refresh(s.mirror.Rescan, root)
	}
	for _, path := range paths {
		refresh(s.mirror.Refresh, path)
	}
	metrics.SetMirrorItems(s.mirror.Len())
	if len(dirty) == 0 {
		return nil, nil
	}

	root, errs := s.builder.Rebuild(s.project, s.mirror, dirty)
	s.reportBuildErrors(errs)
	if root == nil {
		return nil, fmt.Errorf("rebuild snapshot: %w", errors.Join(errs...))
	}

	ps := reconciler.Diff(s.tree, root)
	if len(ps) == 0 {
		return nil, nil
	}

	s.stateMu.Lock()
	applied, err := s.tree.Apply(ps)
	if err != nil {
		s.stateMu.Unlock()
		metrics.RecordPassError("apply")
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	seq := s.queue.Append(applied)
	s.stateMu.Unlock()

	adds, removes, updates := applied.Counts()
	metrics.RecordPatch(adds, removes, updates)
	metrics.SetTreeSize(s.tree.Len())
	logging.Info("applied patch",
		zap.Uint64("sequence", seq),
		zap.Int("dirty_paths", len(dirty)),
		zap.Int("adds", adds),
		zap.Int("removes", removes),
		zap.Int("updates", updates))
	return applied, nil
}

func (s *LiveSession) reportBuildErrors(errs []error) {
	for _, err := range errs {
		metrics.RecordPassError("snapshot")
		logging.Warn("skipped entry while building snapshot", zap.Error(err))
	}
}

// Notify queues a batch for the next pass. Batches that arrive while a
// pass is running are merged and handled together afterwards.
func (s *LiveSession) Notify(b watcher.Batch) {
	if b.Empty() {
		return
	}
	s.pendingMu.Lock()
	for _, p := range b.Paths {
		s.pendingPaths[p] = struct{}{}
	}
	for _, r := range b.Rescan {
		s.pendingRescan[r] = struct{}{}
	}
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *LiveSession) takePending() (paths, rescan []string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	paths = keys(s.pendingPaths)
	rescan = keys(s.pendingRescan)
	clear(s.pendingPaths)
	clear(s.pendingRescan)
	return paths, rescan
}

// Run feeds batches into the session and runs a pass whenever work is
// pending, until ctx is done.
func (s *LiveSession) Run(ctx context.Context, batches <-chan watcher.Batch) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-batches:
				if !ok {
					return
				}
				s.Notify(b)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			paths, rescan := s.takePending()
			if len(paths) == 0 && len(rescan) == 0 {
				continue
			}
			if _, err := s.Process(paths, rescan); err != nil {
				logging.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// SessionID returns the id of this run.
func (s *LiveSession) SessionID() ID {
	return s.id
}

// Info summarizes the session.
func (s *LiveSession) Info() Info {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return Info{
		SessionID:     s.id,
		ProjectName:   s.project.Name,
		RootID:        s.tree.RootID(),
		ServePlaceIDs: s.project.ServePlaceIDs,
		Cursor:        s.queue.Head(),
	}
}

// FullSnapshot returns the whole tree and the cursor it corresponds to.
// Replaying every message after that cursor keeps the copy current.
func (s *LiveSession) FullSnapshot() (models.TreeSnapshot, uint64) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.tree.Snapshot(), s.queue.Head()
}

// ReadInstances returns the listed instances and their descendants, with
// the cursor they correspond to. Unknown ids are skipped.
func (s *LiveSession) ReadInstances(ids []models.ID) (map[models.ID]models.Instance, uint64) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make(map[models.ID]models.Instance)
	for _, id := range ids {
		for _, d := range s.tree.Descendants(id) {
			if inst, ok := s.tree.Get(d); ok {
				out[d] = inst
			}
		}
	}
	return out, s.queue.Head()
}

// Subscribe returns the messages after cursor, blocking up to timeout for
// the first one. See events.Broadcaster.ReadSince.
func (s *LiveSession) Subscribe(ctx context.Context, cursor uint64, timeout time.Duration) ([]events.Message, uint64, error) {
	return s.queue.ReadSince(ctx, cursor, timeout)
}

// Follow registers a subscription that reads the change log from cursor.
// The caller must Close it.
func (s *LiveSession) Follow(cursor uint64) *events.Subscription {
	return s.queue.Subscribe(cursor)
}

// Tree returns the live tree for read-only inspection.
func (s *LiveSession) Tree() *tree.Tree {
	return s.tree
}

// Mirror returns the filesystem mirror for read-only inspection.
func (s *LiveSession) Mirror() *vfs.Mirror {
	return s.mirror
}

// Project returns the loaded project.
func (s *LiveSession) Project() *project.Project {
	return s.project
}

func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

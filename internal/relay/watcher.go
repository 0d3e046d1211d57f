package relay

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatcherDeps are the collaborators a per-endpoint watcher loop needs: the
// maildir store, subscription registry, circuit breaker, and the optional
// index and trace store (nil Index or Tracer is skipped).
type WatcherDeps struct {
	Maildir  *MaildirStore
	Subs     *SubscriptionRegistry
	Breakers *BreakerManager
	Index    *Index
	Tracer   *TraceStore
}

// WatcherManager runs one fsnotify watcher per registered endpoint,
// observing that endpoint's new/ directory (spec.md §4.5).
type WatcherManager struct {
	deps WatcherDeps

	mu       sync.Mutex
	watchers map[string]*endpointWatcher // hash -> watcher
}

type endpointWatcher struct {
	hash   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcherManager creates a manager bound to deps.
func NewWatcherManager(deps WatcherDeps) *WatcherManager {
	return &WatcherManager{deps: deps, watchers: make(map[string]*endpointWatcher)}
}

// Start begins watching ep.MaildirPath/new for hash ep.Hash. Idempotent:
// starting the same endpoint twice is a no-op.
func (wm *WatcherManager) Start(ep Endpoint) error {
	wm.mu.Lock()
	if _, ok := wm.watchers[ep.Hash]; ok {
		wm.mu.Unlock()
		return nil
	}
	wm.mu.Unlock()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return &FilesystemError{Op: "watch", Path: ep.MaildirPath, Err: err}
	}
	newDir := filepath.Join(ep.MaildirPath, dirNew)
	if err := fw.Add(newDir); err != nil {
		fw.Close()
		return &FilesystemError{Op: "watch", Path: newDir, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ew := &endpointWatcher{hash: ep.Hash, cancel: cancel, done: done}

	wm.mu.Lock()
	wm.watchers[ep.Hash] = ew
	wm.mu.Unlock()

	go wm.loop(ctx, fw, ep, done)
	return nil
}

func (wm *WatcherManager) loop(ctx context.Context, fw *fsnotify.Watcher, ep Endpoint, done chan struct{}) {
	defer close(done)
	defer fw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(ev.Name), ".json")
			wm.handleArrival(ctx, ep, id)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			slog.Error("relay.watcher.error", "endpoint", ep.Subject, "error", err)
		}
	}
}

// handleArrival implements the per-message dispatch steps of spec.md §4.5.
func (wm *WatcherManager) handleArrival(ctx context.Context, ep Endpoint, id string) {
	ok, env, err := wm.deps.Maildir.Claim(ep.Hash, id)
	if err != nil {
		slog.Error("relay.watcher.claim_error", "endpoint", ep.Subject, "id", id, "error", err)
		return
	}
	if !ok {
		return // claimed elsewhere already
	}

	handlers := wm.deps.Subs.GetSubscribers(ep.Subject)

	var firstErr error
	for _, h := range handlers {
		if err := h(env); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		wm.deps.Breakers.RecordFailure(ep.Hash)
		if err := wm.deps.Maildir.Fail(ep.Hash, id, firstErr.Error()); err != nil {
			slog.Error("relay.watcher.fail_error", "endpoint", ep.Subject, "id", id, "error", err)
		}
		if wm.deps.Index != nil {
			wm.deps.Index.UpdateStatus(ctx, id, StatusFailed)
		}
		if wm.deps.Tracer != nil {
			wm.deps.Tracer.RecordError(env, "deliver", firstErr.Error())
		}
		return
	}

	wm.deps.Breakers.RecordSuccess(ep.Hash)
	if err := wm.deps.Maildir.Complete(ep.Hash, id); err != nil {
		slog.Error("relay.watcher.complete_error", "endpoint", ep.Subject, "id", id, "error", err)
	}
	if wm.deps.Index != nil {
		wm.deps.Index.UpdateStatus(ctx, id, StatusDelivered)
	}
	if wm.deps.Tracer != nil {
		wm.deps.Tracer.Record(Span{Kind: SpanDeliver, Subject: ep.Subject, MessageID: id, HopCount: env.Budget.HopCount})
	}
}

// Stop tears down the watcher for a single endpoint hash.
func (wm *WatcherManager) Stop(hash string) {
	wm.mu.Lock()
	ew, ok := wm.watchers[hash]
	if ok {
		delete(wm.watchers, hash)
	}
	wm.mu.Unlock()
	if ok {
		ew.cancel()
		<-ew.done
	}
}

// CloseAll tears down every watcher. Failures during teardown are
// isolated: one failing watcher does not prevent the others from closing.
func (wm *WatcherManager) CloseAll() {
	wm.mu.Lock()
	all := make([]*endpointWatcher, 0, len(wm.watchers))
	for _, ew := range wm.watchers {
		all = append(all, ew)
	}
	wm.watchers = make(map[string]*endpointWatcher)
	wm.mu.Unlock()

	var wg sync.WaitGroup
	for _, ew := range all {
		wg.Add(1)
		go func(ew *endpointWatcher) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("relay.watcher.close_panic", "hash", ew.hash, "panic", r)
				}
			}()
			ew.cancel()
			<-ew.done
		}(ew)
	}
	wg.Wait()
}

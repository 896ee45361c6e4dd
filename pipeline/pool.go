package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

// pollPeriod separates polls of the pending queue when it is empty.
const pollPeriod = time.Second

// inflight tracks the item hashes (and optionally senders) currently
// being worked on, so the next batch query skips them. The processing
// stage tracks senders too: messages of one account apply in order.
type inflight struct {
	mu           sync.Mutex
	trackSenders bool
	hashes       map[string]struct{}
	senders      map[string]struct{}
}

func newInflight(trackSenders bool) *inflight {
	return &inflight{
		trackSenders: trackSenders,
		hashes:       make(map[string]struct{}),
		senders:      make(map[string]struct{}),
	}
}

// claim reserves a message, failing when its hash (or sender, if
// tracked) is already in flight.
func (f *inflight) claim(hash, sender string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.hashes[hash]; ok {
		return false
	}
	if f.trackSenders {
		if _, ok := f.senders[sender]; ok {
			return false
		}
		f.senders[sender] = struct{}{}
	}
	f.hashes[hash] = struct{}{}
	return true
}

func (f *inflight) release(hash, sender string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes, hash)
	if f.trackSenders {
		delete(f.senders, sender)
	}
}

// excluded snapshots the in-flight sets for the batch query.
func (f *inflight) excluded() (hashes, senders []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash := range f.hashes {
		hashes = append(hashes, hash)
	}
	for sender := range f.senders {
		senders = append(senders, sender)
	}
	return hashes, senders
}

// pool fans pending messages out to at most concurrency goroutines.
type pool struct {
	store       *db.Store
	fetched     bool
	concurrency int
	tracker     *inflight
	sem         chan struct{}
	wake        chan struct{}
	work        func(ctx context.Context, pending *types.PendingMessage)
}

func newPool(store *db.Store, fetched bool, concurrency int, trackSenders bool,
	work func(ctx context.Context, pending *types.PendingMessage)) *pool {
	return &pool{
		store:       store,
		fetched:     fetched,
		concurrency: concurrency,
		tracker:     newInflight(trackSenders),
		sem:         make(chan struct{}, concurrency),
		wake:        make(chan struct{}, 1),
		work:        work,
	}
}

// poke cuts the current poll sleep short, for broker wakeups. A full
// wake buffer means a dispatch is already due.
func (p *pool) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch claims the next batch and hands each message to a worker,
// returning how many it claimed.
func (p *pool) dispatch(ctx context.Context) (int, error) {
	excludeHashes, excludeSenders := p.tracker.excluded()
	pendings, err := db.GetNextPendingMessages(ctx, p.store.DB(), p.fetched, p.concurrency, excludeHashes, excludeSenders)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, pending := range pendings {
		if !p.tracker.claim(pending.ItemHash, pending.Sender) {
			continue
		}
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.tracker.release(pending.ItemHash, pending.Sender)
			return claimed, nil
		}
		claimed++
		go func(pending *types.PendingMessage) {
			defer func() {
				<-p.sem
				p.tracker.release(pending.ItemHash, pending.Sender)
			}()
			p.work(ctx, pending)
		}(pending)
	}
	return claimed, nil
}

// run polls the queue until the context closes, sleeping pollPeriod
// between empty batches and after errors.
func (p *pool) run(ctx context.Context, onError func(error)) {
	for {
		claimed, err := p.dispatch(ctx)
		onError(err)
		if err != nil || claimed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollPeriod):
			case <-p.wake:
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
	}
}

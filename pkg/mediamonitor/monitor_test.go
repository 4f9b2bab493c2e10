package mediamonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/barcelona/pkg/expert"
	"github.com/lrhodin/barcelona/pkg/imessage"
	"github.com/lrhodin/barcelona/pkg/pipeline"
	"github.com/lrhodin/barcelona/pkg/queue"
	"github.com/lrhodin/barcelona/pkg/transfers"
)

type fakeItems struct {
	items map[string]*imessage.Message
}

func (f *fakeItems) LoadItem(_ context.Context, guid string) (*imessage.Message, error) {
	return f.items[guid], nil
}

type outcome struct {
	Success      bool
	Code         *imessage.ErrorCode
	ShouldCancel bool
}

type callbackRecorder struct {
	mu    sync.Mutex
	calls []outcome
}

func (r *callbackRecorder) callback(success bool, code *imessage.ErrorCode, shouldCancel bool) {
	r.mu.Lock()
	r.calls = append(r.calls, outcome{success, code, shouldCancel})
	r.mu.Unlock()
}

func (r *callbackRecorder) Calls() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.calls...)
}

type env struct {
	expert      *expert.Expert
	expertQueue *queue.Queue
	center      *transfers.Center
	centerQueue *queue.Queue
	items       *fakeItems
	deps        Deps
}

func newEnv(t *testing.T) *env {
	log := zerolog.New(zerolog.NewTestWriter(t))
	items := &fakeItems{items: map[string]*imessage.Message{}}
	eq := queue.New("expert", log)
	cq := queue.New("transfers", log)
	ex := expert.New(context.Background(), eq, items, expert.DefaultConfig(), log)
	center := transfers.New(context.Background(), cq, nil, transfers.Config{PollInterval: 5 * time.Millisecond}, log)
	t.Cleanup(func() {
		center.Close()
		cq.Close()
		eq.Close()
	})
	return &env{
		expert:      ex,
		expertQueue: eq,
		center:      center,
		centerQueue: cq,
		items:       items,
		deps: Deps{
			Messages:  ex,
			Transfers: center,
			Items:     items,
			Log:       log,
		},
	}
}

func (e *env) flush() {
	e.centerQueue.Sync(func() {})
	e.expertQueue.Sync(func() {})
}

func (e *env) finish(guid string) {
	e.center.HandleFinished(imessage.TransferRecord{
		GUID:              guid,
		State:             imessage.TransferFinished,
		IsFinished:        true,
		ExistsAtLocalPath: true,
		LocalPath:         "/Users/me/Library/Messages/Attachments/" + guid,
	})
}

func (e *env) status(kind imessage.StatusType, id string) {
	e.expert.HandleStatusChange(imessage.StatusChange{Type: kind, MessageID: id, Service: imessage.ServiceIMessage, Time: ptr.Ptr(1.0)})
}

func staticID(id string) func() string {
	return func() string { return id }
}

func TestDeliveredAfterTransfersFiresOnce(t *testing.T) {
	e := newEnv(t)
	rec := &callbackRecorder{}
	mon := New(e.deps, staticID("m1"), []string{"t1", "t2"}, rec.callback)
	defer mon.Close()

	e.finish("t1")
	e.finish("t2")
	e.flush()
	if calls := rec.Calls(); len(calls) != 0 {
		t.Fatalf("fired before a terminal message event: %+v", calls)
	}
	e.status(imessage.StatusDelivered, "m1")
	e.flush()

	e.status(imessage.StatusRead, "m1")
	e.center.HandleUpdated(imessage.TransferRecord{GUID: "t1", State: imessage.TransferError})
	e.flush()

	if diff := cmp.Diff([]outcome{{Success: true}}, rec.Calls()); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
	if !mon.Resolved() {
		t.Error("monitor should be resolved")
	}
}

func TestEventBeforeTransfersFinish(t *testing.T) {
	e := newEnv(t)
	rec := &callbackRecorder{}
	mon := New(e.deps, staticID("m1"), []string{"t1"}, rec.callback)
	defer mon.Close()

	e.status(imessage.StatusSent, "m1")
	e.flush()
	if calls := rec.Calls(); len(calls) != 0 {
		t.Fatalf("fired before transfers finished: %+v", calls)
	}
	e.finish("t1")
	e.flush()
	if diff := cmp.Diff([]outcome{{Success: true}}, rec.Calls()); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

func TestTransferErrorFails(t *testing.T) {
	e := newEnv(t)
	rec := &callbackRecorder{}
	mon := New(e.deps, staticID("m1"), []string{"t1", "t2"}, rec.callback)
	defer mon.Close()

	e.finish("t1")
	e.center.HandleUpdated(imessage.TransferRecord{GUID: "t2", State: imessage.TransferRecoverableError})
	e.flush()
	want := []outcome{{Code: ptr.Ptr(imessage.ErrorAttachmentUploadFailure)}}
	if diff := cmp.Diff(want, rec.Calls()); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

func TestFailedMessageReportsCode(t *testing.T) {
	e := newEnv(t)
	rec := &callbackRecorder{}
	mon := New(e.deps, staticID("m1"), []string{"t1"}, rec.callback)
	defer mon.Close()

	e.finish("t1")
	e.expert.ProcessFailed("m1", imessage.ServiceIMessage, "", imessage.ErrorRemoteUserIncompatible)
	e.flush()
	want := []outcome{{Code: ptr.Ptr(imessage.ErrorRemoteUserIncompatible)}}
	if diff := cmp.Diff(want, rec.Calls()); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

func TestServiceWithoutReceiptsShortCircuits(t *testing.T) {
	e := newEnv(t)
	e.items.items["m1"] = &imessage.Message{ID: "m1", Service: imessage.ServiceSMS, IsFinished: true, IsSent: true, FromMe: true}
	rec := &callbackRecorder{}
	mon := New(e.deps, staticID("m1"), []string{"t1"}, rec.callback)
	defer mon.Close()

	e.finish("t1")
	e.flush()
	if diff := cmp.Diff([]outcome{{Success: true}}, rec.Calls()); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

func TestTimeoutCancelsSend(t *testing.T) {
	e := newEnv(t)
	e.deps.Config = Config{TimeoutEnabled: true, Timeout: 20 * time.Millisecond}
	rec := &callbackRecorder{}
	done := make(chan struct{})
	mon := New(e.deps, staticID("m1"), []string{"t1"}, func(success bool, code *imessage.ErrorCode, shouldCancel bool) {
		rec.callback(success, code, shouldCancel)
		close(done)
	})
	defer mon.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not time out")
	}
	e.finish("t1")
	e.status(imessage.StatusDelivered, "m1")
	e.flush()
	want := []outcome{{Code: ptr.Ptr(imessage.ErrorAttachmentUploadFailure), ShouldCancel: true}}
	if diff := cmp.Diff(want, rec.Calls()); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

func TestCloseSuppressesCallback(t *testing.T) {
	e := newEnv(t)
	rec := &callbackRecorder{}
	mon := New(e.deps, staticID("m1"), []string{"t1"}, rec.callback)
	mon.Close()
	mon.Close()

	e.finish("t1")
	e.status(imessage.StatusDelivered, "m1")
	e.flush()
	if calls := rec.Calls(); len(calls) != 0 {
		t.Errorf("closed monitor fired: %+v", calls)
	}
}

// hookedSource runs hooks around the center's Watch.
type hookedSource struct {
	center *transfers.Center
	before func()
	after  func()
}

func (h *hookedSource) Watch(guids []string, callback func(imessage.TransferRecord)) (map[string]imessage.TransferRecord, *pipeline.Subscription) {
	if h.before != nil {
		h.before()
	}
	snapshot, sub := h.center.Watch(guids, callback)
	if h.after != nil {
		h.after()
	}
	return snapshot, sub
}

func TestTransferFinishedWhileSubscribing(t *testing.T) {
	tests := []struct {
		name  string
		hooks func(e *env) *hookedSource
	}{
		{"BeforeSubscribe", func(e *env) *hookedSource {
			return &hookedSource{center: e.center, before: func() {
				e.finish("t1")
				e.centerQueue.Sync(func() {})
			}}
		}},
		{"WhileSeeding", func(e *env) *hookedSource {
			return &hookedSource{center: e.center, after: func() { e.finish("t1") }}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.deps.Transfers = tt.hooks(e)
			rec := &callbackRecorder{}
			mon := New(e.deps, staticID("m1"), []string{"t1"}, rec.callback)
			defer mon.Close()

			e.flush()
			e.status(imessage.StatusDelivered, "m1")
			e.flush()
			if diff := cmp.Diff([]outcome{{Success: true}}, rec.Calls()); diff != "" {
				t.Errorf("callbacks (-want +got):\n%s", diff)
			}
		})
	}
}

func TestServiceWithoutReceiptsBeatsFailure(t *testing.T) {
	e := newEnv(t)
	e.items.items["m1"] = &imessage.Message{ID: "m1", Service: imessage.ServiceSMS, IsFinished: true, IsSent: true, FromMe: true}
	rec := &callbackRecorder{}
	mon := New(e.deps, staticID("m1"), []string{"t1"}, rec.callback)
	defer mon.Close()

	e.expert.ProcessFailed("m1", imessage.ServiceSMS, "", imessage.ErrorSendFailed)
	e.flush()
	if calls := rec.Calls(); len(calls) != 0 {
		t.Fatalf("fired before transfers finished: %+v", calls)
	}
	e.finish("t1")
	e.flush()
	if diff := cmp.Diff([]outcome{{Success: true}}, rec.Calls()); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

type blockingItems struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingItems) LoadItem(ctx context.Context, _ string) (*imessage.Message, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSendStateLoadDoesNotHoldLock(t *testing.T) {
	e := newEnv(t)
	items := &blockingItems{started: make(chan struct{}), release: make(chan struct{})}
	e.deps.Items = items
	rec := &callbackRecorder{}
	mon := New(e.deps, staticID("m1"), []string{"t1"}, rec.callback)
	defer mon.Close()

	e.finish("t1")
	select {
	case <-items.started:
	case <-time.After(time.Second):
		t.Fatal("send state was never loaded")
	}
	resolved := make(chan bool, 1)
	go func() { resolved <- mon.Resolved() }()
	select {
	case r := <-resolved:
		if r {
			t.Error("monitor resolved while the load was running")
		}
	case <-time.After(time.Second):
		t.Fatal("monitor lock held during the chat.db load")
	}
	close(items.release)
	e.flush()
	if calls := rec.Calls(); len(calls) != 0 {
		t.Errorf("unexpected callbacks: %+v", calls)
	}
}

func TestCancelledContextBoundsLoad(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.deps.Context = ctx
	e.deps.Items = &blockingItems{started: make(chan struct{}), release: make(chan struct{})}
	rec := &callbackRecorder{}
	mon := New(e.deps, staticID("m1"), []string{"t1"}, rec.callback)
	defer mon.Close()

	e.finish("t1")
	e.flush()
	e.status(imessage.StatusSent, "m1")
	e.flush()
	if diff := cmp.Diff([]outcome{{Success: true}}, rec.Calls()); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

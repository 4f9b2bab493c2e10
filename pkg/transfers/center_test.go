package transfers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/barcelona/pkg/imessage"
	"github.com/lrhodin/barcelona/pkg/queue"
)

type fakeLookup struct {
	mu      sync.Mutex
	records map[string]imessage.TransferRecord
	calls   int
}

func (f *fakeLookup) LookupTransfer(_ context.Context, guid string) (*imessage.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	rec, ok := f.records[guid]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeLookup) set(rec imessage.TransferRecord) {
	f.mu.Lock()
	f.records[rec.GUID] = rec
	f.mu.Unlock()
}

func newTestCenter(t *testing.T, lookup TransferLookup, cfg Config) *Center {
	log := zerolog.New(zerolog.NewTestWriter(t))
	q := queue.New("transfers-test", log)
	c := New(context.Background(), q, lookup, cfg, log)
	t.Cleanup(func() {
		c.Close()
		q.Close()
	})
	return c
}

func fastConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond, SettleTimeout: time.Second}
}

func finishedRecord(guid string) imessage.TransferRecord {
	return imessage.TransferRecord{
		GUID:              guid,
		State:             imessage.TransferFinished,
		IsIncoming:        true,
		IsFinished:        true,
		ExistsAtLocalPath: true,
		LocalPath:         "/Users/me/Library/Messages/Attachments/ab/01/" + guid + "/IMG_0001.heic",
	}
}

func expectResult(t *testing.T, ch <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(within):
		t.Fatal("completion promise did not settle in time")
		return nil
	}
}

func expectPending(t *testing.T, ch <-chan error, during time.Duration) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("completion promise settled early with %v", err)
	case <-time.After(during):
	}
}

func TestCompletionWaitsForSandboxExit(t *testing.T) {
	c := newTestCenter(t, nil, fastConfig())
	rec := finishedRecord("t1")
	rec.State = imessage.TransferTransferring
	rec.IsFinished = false
	c.HandleCreated(rec)
	promise := c.CompletionPromise("t1")

	sandboxed := finishedRecord("t1")
	sandboxed.InSandboxedLocation = true
	sandboxed.LocalPath = "/var/folders/zz/T/com.apple.imagent/IMG_0001.heic"
	c.HandleFinished(sandboxed)
	expectPending(t, promise, 50*time.Millisecond)

	if cached, _ := c.Record("t1"); cached.IsTrulyFinished() {
		t.Fatal("sandboxed transfer should not be truly finished")
	}

	c.HandleUpdated(finishedRecord("t1"))
	if err := expectResult(t, promise, time.Second); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPollerPicksUpRelocation(t *testing.T) {
	sandboxed := finishedRecord("t1")
	sandboxed.InSandboxedLocation = true
	lookup := &fakeLookup{records: map[string]imessage.TransferRecord{"t1": sandboxed}}
	c := newTestCenter(t, lookup, fastConfig())

	promise := c.CompletionPromise("t1")
	expectPending(t, promise, 30*time.Millisecond)
	lookup.set(finishedRecord("t1"))
	if err := expectResult(t, promise, time.Second); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestErrorWithExistingFileCountsAsFinished(t *testing.T) {
	c := newTestCenter(t, nil, fastConfig())
	rec := finishedRecord("t1")
	rec.State = imessage.TransferError
	rec.ErrorCode = 24
	c.HandleFinished(rec)
	if err := expectResult(t, c.CompletionPromise("t1"), time.Second); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDownloadFailureRejectsAllWaiters(t *testing.T) {
	c := newTestCenter(t, nil, fastConfig())
	rec := imessage.TransferRecord{GUID: "t1", State: imessage.TransferTransferring, IsIncoming: true}
	c.HandleCreated(rec)
	first := c.CompletionPromise("t1")
	second := c.CompletionPromise("t1")

	rec.State = imessage.TransferError
	rec.ErrorCode = 3
	rec.ErrorDescription = "The operation couldn't be completed."
	c.HandleFinished(rec)

	for _, ch := range []<-chan error{first, second} {
		err := expectResult(t, ch, time.Second)
		if !errors.Is(err, imessage.ErrDownloadFailed) {
			t.Errorf("err = %v, want download failure", err)
		}
		var terr *imessage.TransferWaitError
		if !errors.As(err, &terr) || terr.Code != 3 {
			t.Errorf("err = %#v, want transfer error with code 3", err)
		}
	}

	// Waiters arriving after the failure are rejected right away.
	if err := expectResult(t, c.CompletionPromise("t1"), time.Second); !errors.Is(err, imessage.ErrDownloadFailed) {
		t.Errorf("late waiter err = %v, want download failure", err)
	}
}

func TestUnknownTransfer(t *testing.T) {
	t.Run("NoLookup", func(t *testing.T) {
		c := newTestCenter(t, nil, fastConfig())
		if err := c.WaitForCompletion(context.Background(), "nope"); !errors.Is(err, imessage.ErrNotFound) {
			t.Errorf("err = %v, want not found", err)
		}
	})
	t.Run("LookupMiss", func(t *testing.T) {
		lookup := &fakeLookup{records: map[string]imessage.TransferRecord{}}
		c := newTestCenter(t, lookup, fastConfig())
		if err := c.WaitForCompletion(context.Background(), "nope"); !errors.Is(err, imessage.ErrNotFound) {
			t.Errorf("err = %v, want not found", err)
		}
	})
}

func TestSettleTimeout(t *testing.T) {
	c := newTestCenter(t, nil, Config{PollInterval: 5 * time.Millisecond, SettleTimeout: 30 * time.Millisecond})
	rec := finishedRecord("t1")
	rec.InSandboxedLocation = true
	c.HandleFinished(rec)
	err := expectResult(t, c.CompletionPromise("t1"), time.Second)
	if !errors.Is(err, imessage.ErrTimeout) {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestCloseRejectsWaiters(t *testing.T) {
	log := zerolog.New(zerolog.NewTestWriter(t))
	q := queue.New("transfers-test", log)
	defer q.Close()
	c := New(context.Background(), q, nil, fastConfig(), log)
	c.HandleCreated(imessage.TransferRecord{GUID: "t1", State: imessage.TransferAccepted})
	promise := c.CompletionPromise("t1")
	c.Close()
	if err := expectResult(t, promise, time.Second); !errors.Is(err, imessage.ErrClosed) {
		t.Errorf("err = %v, want closed", err)
	}
	if err := expectResult(t, c.CompletionPromise("t1"), time.Second); !errors.Is(err, imessage.ErrClosed) {
		t.Errorf("err after close = %v, want closed", err)
	}
}

func TestUpdatesPublished(t *testing.T) {
	c := newTestCenter(t, nil, fastConfig())
	var mu sync.Mutex
	var states []imessage.TransferState
	c.Updates().Pipe(func(rec imessage.TransferRecord) {
		mu.Lock()
		states = append(states, rec.State)
		mu.Unlock()
	})
	c.HandleCreated(imessage.TransferRecord{GUID: "", State: imessage.TransferAccepted})
	c.HandleCreated(imessage.TransferRecord{GUID: "t1", State: imessage.TransferAccepted})
	c.HandleUpdated(imessage.TransferRecord{GUID: "t1", State: imessage.TransferTransferring})
	c.Record("t1")

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != imessage.TransferAccepted || states[1] != imessage.TransferTransferring {
		t.Errorf("published states = %v", states)
	}
}

func TestWatchSeesEveryUpdate(t *testing.T) {
	c := newTestCenter(t, nil, fastConfig())
	gate := make(chan struct{})
	c.queue.Async(func() { <-gate })
	c.HandleCreated(imessage.TransferRecord{GUID: "t1", State: imessage.TransferTransferring})

	var mu sync.Mutex
	latest := map[string]imessage.TransferState{}
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		snapshot, _ := c.Watch([]string{"t1", "t2"}, func(rec imessage.TransferRecord) {
			mu.Lock()
			latest[rec.GUID] = rec.State
			mu.Unlock()
		})
		mu.Lock()
		for guid, rec := range snapshot {
			if _, updated := latest[guid]; !updated {
				latest[guid] = rec.State
			}
		}
		mu.Unlock()
	}()
	c.HandleFinished(finishedRecord("t1"))
	close(gate)
	<-watched
	c.Record("t1")

	mu.Lock()
	defer mu.Unlock()
	if latest["t1"] != imessage.TransferFinished {
		t.Errorf("t1 state = %s, want finished", latest["t1"])
	}
	if _, ok := latest["t2"]; ok {
		t.Error("unknown t2 should not be in the snapshot")
	}
}

package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/bus"
	"github.com/rafaelmp/webtext/internal/wire"
)

type fakeAPI struct {
	initialReqs []*wire.InitialSyncRequest
	failBatch   int // fail the Nth initial batch, 0 for never
	nextToken   int

	incReqs []*wire.IncrementalSyncRequest
	incErr  error

	queue       []wire.QueuedMessage
	confirms    []*wire.ConfirmRequest
	confirmErrs int // fail this many confirms before succeeding

	status    wire.SyncStatus
	statusErr error
}

func (f *fakeAPI) InitialSync(_ context.Context, req *wire.InitialSyncRequest) (*wire.InitialSyncResponse, error) {
	if f.failBatch != 0 && req.BatchNumber == f.failBatch {
		return nil, errors.New("server unavailable")
	}
	f.initialReqs = append(f.initialReqs, req)
	f.nextToken++
	return &wire.InitialSyncResponse{
		SyncToken:      fmt.Sprintf("token-%d", f.nextToken),
		ProcessedCount: len(req.Messages),
	}, nil
}

func (f *fakeAPI) IncrementalSync(_ context.Context, req *wire.IncrementalSyncRequest) (*wire.IncrementalSyncResponse, error) {
	if f.incErr != nil {
		return nil, f.incErr
	}
	f.incReqs = append(f.incReqs, req)
	f.nextToken++
	return &wire.IncrementalSyncResponse{NewSyncToken: fmt.Sprintf("token-%d", f.nextToken)}, nil
}

func (f *fakeAPI) FetchQueue(context.Context) (*wire.QueueResponse, error) {
	entries := f.queue
	f.queue = nil
	return &wire.QueueResponse{QueuedMessages: entries}, nil
}

func (f *fakeAPI) Confirm(_ context.Context, req *wire.ConfirmRequest) (*wire.ConfirmResponse, error) {
	if f.confirmErrs > 0 {
		f.confirmErrs--
		return nil, errors.New("network down")
	}
	f.confirms = append(f.confirms, req)
	return &wire.ConfirmResponse{Success: true}, nil
}

func (f *fakeAPI) Status(context.Context) (*wire.SyncStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status := f.status
	return &status, nil
}

func testSyncer(t *testing.T, api API) (*Syncer, *LocalDB, *Machine) {
	t.Helper()
	db := testLocalDB(t)
	machine := NewMachine(nil)
	if err := machine.Transition(Authenticating); err != nil {
		t.Fatalf("transition: %v", err)
	}
	s := NewSyncer(db, api, machine, zap.NewNop())
	s.batchSize = 10
	s.batchDelay = 0
	return s, db, machine
}

func seedMessages(t *testing.T, db *LocalDB, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		must(t, db.InsertMessage(wire.Message{
			ID:       strconv.Itoa(i),
			ThreadID: "1",
			Type:     "sms",
			Date:     strconv.Itoa(1000 + i),
			Body:     "msg",
		}))
	}
}

func TestFullSyncBatches(t *testing.T) {
	api := &fakeAPI{}
	s, db, machine := testSyncer(t, api)

	must(t, db.UpsertConversation(wire.Conversation{ID: "1", Name: "chat"}))
	seedMessages(t, db, 25)

	if err := s.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}

	if len(api.initialReqs) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(api.initialReqs))
	}
	if len(api.initialReqs[0].Conversations) != 1 {
		t.Errorf("expected conversations in batch 1, got %d", len(api.initialReqs[0].Conversations))
	}
	for i, req := range api.initialReqs[1:] {
		if len(req.Conversations) != 0 {
			t.Errorf("batch %d carried conversations", i+2)
		}
	}
	if got := len(api.initialReqs[2].Messages); got != 5 {
		t.Errorf("expected 5 messages in final batch, got %d", got)
	}
	for i, req := range api.initialReqs {
		if req.BatchNumber != i+1 || req.TotalBatches != 3 {
			t.Errorf("bad batch numbering: %d/%d", req.BatchNumber, req.TotalBatches)
		}
	}

	token, _ := db.SyncToken()
	if token != "token-3" {
		t.Errorf("expected final token persisted, got %q", token)
	}
	mark, _ := db.Watermark()
	if mark == 0 {
		t.Error("expected watermark set after full sync")
	}
	if machine.Current() != Watching {
		t.Errorf("expected Watching, got %s", machine.Current())
	}
}

func TestFullSyncEmptyStoreSendsOneBatch(t *testing.T) {
	api := &fakeAPI{}
	s, _, _ := testSyncer(t, api)

	if err := s.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	if len(api.initialReqs) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(api.initialReqs))
	}
	req := api.initialReqs[0]
	if req.BatchNumber != 1 || req.TotalBatches != 1 || len(req.Messages) != 0 {
		t.Errorf("unexpected batch: %+v", req)
	}
}

func TestFullSyncAbortsOnBatchFailure(t *testing.T) {
	api := &fakeAPI{failBatch: 2}
	s, db, machine := testSyncer(t, api)
	seedMessages(t, db, 25)

	err := s.FullSync(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(api.initialReqs) != 1 {
		t.Fatalf("expected sync to stop after batch 1, got %d acknowledged", len(api.initialReqs))
	}
	// Token from the acknowledged batch survives so a retry can resume fresh.
	token, _ := db.SyncToken()
	if token != "token-1" {
		t.Errorf("expected token-1 persisted, got %q", token)
	}
	mark, _ := db.Watermark()
	if mark != 0 {
		t.Error("watermark must not advance on failed sync")
	}
	if machine.Current() != Failed {
		t.Errorf("expected Failed, got %s", machine.Current())
	}
}

func TestFullSyncDropsMalformedRows(t *testing.T) {
	api := &fakeAPI{}
	s, db, _ := testSyncer(t, api)

	must(t, db.InsertMessage(wire.Message{ID: "1", ThreadID: "1", Type: "sms", Date: "100"}))
	must(t, db.InsertMessage(wire.Message{ID: "2", ThreadID: "abc", Type: "sms", Date: "200"}))

	if err := s.FullSync(context.Background()); err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	if len(api.initialReqs) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(api.initialReqs))
	}
	msgs := api.initialReqs[0].Messages
	if len(msgs) != 1 || msgs[0].ID != "1" {
		t.Fatalf("expected only the valid row, got %+v", msgs)
	}
}

func TestIncrementalSyncNoChangesSkipsRequest(t *testing.T) {
	api := &fakeAPI{}
	s, db, _ := testSyncer(t, api)

	must(t, db.SetSyncToken("token-0"))
	must(t, db.SetWatermark(time.Now().UnixMilli()))

	if err := s.IncrementalSync(context.Background()); err != nil {
		t.Fatalf("IncrementalSync: %v", err)
	}
	if len(api.incReqs) != 0 {
		t.Errorf("expected no request with nothing to push, got %d", len(api.incReqs))
	}
}

func TestIncrementalSyncPushesDelta(t *testing.T) {
	api := &fakeAPI{}
	s, db, _ := testSyncer(t, api)

	must(t, db.SetSyncToken("token-0"))
	must(t, db.InsertMessage(wire.Message{ID: "1", ThreadID: "1", Type: "sms", Date: "100"}))
	must(t, db.SetWatermark(500))
	must(t, db.InsertMessage(wire.Message{ID: "2", ThreadID: "1", Type: "sms", Date: "900"}))

	if err := s.IncrementalSync(context.Background()); err != nil {
		t.Fatalf("IncrementalSync: %v", err)
	}
	if len(api.incReqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(api.incReqs))
	}
	req := api.incReqs[0]
	if req.SyncToken != "token-0" {
		t.Errorf("expected stored token sent, got %q", req.SyncToken)
	}
	if len(req.NewMessages) != 1 || req.NewMessages[0].ID != "2" {
		t.Errorf("unexpected new messages: %+v", req.NewMessages)
	}

	token, _ := db.SyncToken()
	if token != "token-1" {
		t.Errorf("expected rotated token persisted, got %q", token)
	}
}

func TestIncrementalSyncWithoutTokenDemandsFullSync(t *testing.T) {
	s, _, _ := testSyncer(t, &fakeAPI{})

	err := s.IncrementalSync(context.Background())
	if !errors.Is(err, ErrStaleToken) {
		t.Fatalf("expected ErrStaleToken, got %v", err)
	}
}

func TestIncrementalSyncStaleTokenPropagates(t *testing.T) {
	api := &fakeAPI{incErr: ErrStaleToken}
	s, db, machine := testSyncer(t, api)

	must(t, db.SetSyncToken("old-token"))
	must(t, db.InsertMessage(wire.Message{ID: "1", ThreadID: "1", Type: "sms", Date: "100"}))

	err := s.IncrementalSync(context.Background())
	if !errors.Is(err, ErrStaleToken) {
		t.Fatalf("expected ErrStaleToken, got %v", err)
	}
	// Token and watermark untouched so the caller can fall back cleanly.
	token, _ := db.SyncToken()
	if token != "old-token" {
		t.Errorf("token changed on failed sync: %q", token)
	}
	if machine.Current() != Failed {
		t.Errorf("expected Failed, got %s", machine.Current())
	}
}

func TestIncrementalSyncDrivesStageMachine(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("agent.", 8)
	defer unsub()

	api := &fakeAPI{}
	db := testLocalDB(t)
	machine := NewMachine(b)
	must(t, machine.Transition(Authenticating))
	s := NewSyncer(db, api, machine, zap.NewNop())

	must(t, db.SetSyncToken("token-0"))
	must(t, db.SetWatermark(500))
	must(t, db.InsertMessage(wire.Message{ID: "1", ThreadID: "1", Type: "sms", Date: "900"}))

	if err := s.IncrementalSync(context.Background()); err != nil {
		t.Fatalf("IncrementalSync: %v", err)
	}
	if machine.Current() != Watching {
		t.Fatalf("expected Watching, got %s", machine.Current())
	}

	var stages []Stage
	for len(ch) > 0 {
		evt := <-ch
		stages = append(stages, evt.Payload.(StageChange).To)
	}
	want := []Stage{Authenticating, SyncingMessages, Watching}
	if len(stages) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("expected stages %v, got %v", want, stages)
		}
	}

	// A pass with nothing to push still settles in Watching.
	if err := s.IncrementalSync(context.Background()); err != nil {
		t.Fatalf("trivial IncrementalSync: %v", err)
	}
	if machine.Current() != Watching {
		t.Errorf("expected Watching after trivial pass, got %s", machine.Current())
	}
}

func TestConvergeFullSyncWhenServerEmpty(t *testing.T) {
	api := &fakeAPI{}
	s, db, machine := testSyncer(t, api)
	seedMessages(t, db, 5)

	// Local token exists, but the server reports no completed full sync.
	must(t, db.SetSyncToken("leftover"))

	if err := s.Converge(context.Background()); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if len(api.initialReqs) == 0 {
		t.Fatal("expected a full sync against an empty server")
	}
	if len(api.incReqs) != 0 {
		t.Errorf("unexpected incremental requests: %d", len(api.incReqs))
	}
	if machine.Current() != Watching {
		t.Errorf("expected Watching, got %s", machine.Current())
	}
}

func TestConvergeIncrementalWhenServerSynced(t *testing.T) {
	api := &fakeAPI{status: wire.SyncStatus{LastFullSync: "2026-08-30T00:00:00Z"}}
	s, db, _ := testSyncer(t, api)

	must(t, db.SetSyncToken("token-0"))
	must(t, db.SetWatermark(500))
	must(t, db.InsertMessage(wire.Message{ID: "1", ThreadID: "1", Type: "sms", Date: "900"}))

	if err := s.Converge(context.Background()); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if len(api.incReqs) != 1 || len(api.initialReqs) != 0 {
		t.Errorf("expected one incremental and no full sync, got %d/%d",
			len(api.incReqs), len(api.initialReqs))
	}
}

func TestConvergeFallsBackToFullSyncOnStaleToken(t *testing.T) {
	api := &fakeAPI{
		status: wire.SyncStatus{LastFullSync: "2026-08-30T00:00:00Z"},
		incErr: ErrStaleToken,
	}
	s, db, machine := testSyncer(t, api)

	must(t, db.SetSyncToken("old-token"))
	must(t, db.InsertMessage(wire.Message{ID: "1", ThreadID: "1", Type: "sms", Date: "900"}))

	if err := s.Converge(context.Background()); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if len(api.initialReqs) == 0 {
		t.Fatal("expected full sync fallback on stale token")
	}
	if machine.Current() != Watching {
		t.Errorf("expected Watching after fallback, got %s", machine.Current())
	}
}

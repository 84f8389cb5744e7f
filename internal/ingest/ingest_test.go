package ingest

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/bridge/bridgetest"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/model"
	"github.com/wudi/fabric/internal/policy"
	"github.com/wudi/fabric/internal/security"
	"github.com/wudi/fabric/internal/signal"
	"github.com/wudi/fabric/internal/storage"
)

func newIngestor(t *testing.T, configure func(*Options)) (*Ingestor, storage.Store, *signal.Recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := signal.NewBus()
	rec := signal.NewRecorder(bus)
	opts := Options{
		Store:    store,
		Pipeline: policy.NewPipeline(policy.Options{Bus: bus}),
		Security: security.NewChecker(security.Options{Bus: bus}),
		Bus:      bus,
	}
	if configure != nil {
		configure(&opts)
	}
	return New(opts), store, rec
}

func incoming(roomID, userID, msgID, text string) *model.Incoming {
	return &model.Incoming{
		ExternalRoomID:    roomID,
		ExternalUserID:    userID,
		ExternalMessageID: msgID,
		Text:              text,
		ChatType:          "group",
	}
}

func TestIngestIncoming_PersistsAndEmits(t *testing.T) {
	ing, store, rec := newIngestor(t, nil)
	adapter := &bridgetest.Adapter{Channel: "telegram"}

	msg, ic, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "ext-1", "hello"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text() != "hello" || msg.ExternalID != "ext-1" {
		t.Errorf("unexpected message %+v", msg)
	}
	if ic.Room == nil || ic.Room.Type != model.RoomGroup {
		t.Errorf("chat_type group should map to group room, got %+v", ic.Room)
	}
	if !ic.RoomCreated {
		t.Error("first ingest should create the room")
	}
	if msg.Metadata["channel"] != "telegram" || msg.Metadata["bridge_id"] != "bridge-1" {
		t.Errorf("metadata not stamped: %v", msg.Metadata)
	}

	stored, err := store.GetMessageByExternalID("telegram", "bridge-1", "ext-1")
	if err != nil {
		t.Fatalf("message not indexed by external id: %v", err)
	}
	if stored.ID != msg.ID {
		t.Error("external index points at a different message")
	}

	if rec.Count(signal.EventMessageReceived) != 1 {
		t.Errorf("expected 1 received signal, got %d", rec.Count(signal.EventMessageReceived))
	}
}

func TestIngestIncoming_ReusesRoomAndParticipant(t *testing.T) {
	ing, _, _ := newIngestor(t, nil)
	adapter := &bridgetest.Adapter{Channel: "telegram"}

	_, first, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "e1", "one"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, second, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "e2", "two"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Room.ID != first.Room.ID {
		t.Error("same external binding must resolve the same room")
	}
	if second.Participant.ID != first.Participant.ID {
		t.Error("same external user must resolve the same participant")
	}
	if second.RoomCreated {
		t.Error("second ingest should not create")
	}
}

func TestIngestIncoming_ResolvesReply(t *testing.T) {
	ing, _, _ := newIngestor(t, nil)
	adapter := &bridgetest.Adapter{Channel: "telegram"}

	parent, _, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "p1", "parent"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	inc := incoming("100", "u2", "c1", "child")
	inc.ExternalReplyToID = "p1"
	child, _, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", inc, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if child.ReplyToID != parent.ID {
		t.Errorf("reply not resolved: %q", child.ReplyToID)
	}
	if child.ThreadRootID != parent.ID {
		t.Errorf("thread root should be the parent, got %q", child.ThreadRootID)
	}

	// Unresolvable references stay empty.
	inc2 := incoming("100", "u2", "c2", "dangling")
	inc2.ExternalReplyToID = "missing"
	orphan, _, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", inc2, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if orphan.ReplyToID != "" {
		t.Errorf("dangling reply must stay empty, got %q", orphan.ReplyToID)
	}
}

func TestIngestIncoming_GatingDenyDoesNotPersist(t *testing.T) {
	ing, store, rec := newIngestor(t, func(o *Options) {
		o.Pipeline.AddGater(policy.GaterFunc{ModuleName: "block", Fn: func(context.Context, *policy.Context) policy.Decision {
			return policy.Deny("blocked", "test block")
		}})
	})
	adapter := &bridgetest.Adapter{Channel: "telegram"}

	_, _, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "e1", "nope"), nil, nil)
	var pd *errors.PolicyDenied
	if !stderrors.As(err, &pd) || pd.Stage != "gating" {
		t.Fatalf("expected gating denial, got %v", err)
	}
	if _, err := store.GetMessageByExternalID("telegram", "bridge-1", "e1"); err == nil {
		t.Error("denied message must not be persisted")
	}
	if rec.Count(signal.EventMessageReceived) != 0 {
		t.Error("denied message must not emit received signal")
	}
	// The room upsert is left in place.
	if _, err := store.GetRoomByExternalBinding("telegram", "bridge-1", "100"); err != nil {
		t.Errorf("room upsert should survive denial: %v", err)
	}
}

func TestIngestIncoming_ModerationFlagsAndModify(t *testing.T) {
	ing, _, _ := newIngestor(t, func(o *Options) {
		o.Pipeline.AddModerator(policy.ModeratorFunc{ModuleName: "redact", Fn: func(_ context.Context, msg *model.Message, _ *policy.Context) policy.Decision {
			out := *msg
			out.Content = []model.ContentBlock{model.TextBlock("[redacted]")}
			return policy.Modify(&out)
		}})
		o.Pipeline.AddModerator(policy.ModeratorFunc{ModuleName: "tag", Fn: func(_ context.Context, _ *model.Message, _ *policy.Context) policy.Decision {
			return policy.Flag("suspicious", "")
		}})
	})
	adapter := &bridgetest.Adapter{Channel: "telegram"}

	msg, _, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "e1", "secret"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text() != "[redacted]" {
		t.Errorf("modification not applied: %q", msg.Text())
	}
	pol, ok := msg.Metadata["policy"].(map[string]any)
	if !ok {
		t.Fatalf("policy metadata missing: %v", msg.Metadata)
	}
	flags, _ := pol["flags"].([]string)
	if len(flags) != 1 || flags[0] != "suspicious" {
		t.Errorf("unexpected flags %v", flags)
	}
}

func TestIngestIncoming_SenderClaimMismatch(t *testing.T) {
	adapter := &bridgetest.FullAdapter{
		VerifySenderFn: func(_ context.Context, _ *model.Incoming, _ []byte, _ map[string]any) (bridge.SenderClaim, error) {
			return bridge.SenderClaim{SenderID: "someone-else"}, nil
		},
	}
	adapter.Channel = "telegram"
	ing, store, _ := newIngestor(t, nil)

	_, _, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "e1", "hi"), nil, nil)
	var sd *errors.SecurityDenied
	if !stderrors.As(err, &sd) || sd.Reason != errors.ReasonSenderClaim {
		t.Fatalf("expected sender claim denial, got %v", err)
	}
	if _, err := store.GetMessageByExternalID("telegram", "bridge-1", "e1"); err == nil {
		t.Error("denied message must not be persisted")
	}
}

func TestIngestIncoming_VerifyDecisionRecorded(t *testing.T) {
	adapter := &bridgetest.FullAdapter{}
	adapter.Channel = "telegram"
	ing, _, _ := newIngestor(t, nil)

	msg, _, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "e1", "hi"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	sec, ok := msg.Metadata["security"].(map[string]any)
	if !ok {
		t.Fatalf("security metadata missing: %v", msg.Metadata)
	}
	verify, _ := sec["verify"].(map[string]any)
	if verify["decision"] != "verified" {
		t.Errorf("unexpected verify decision %v", verify)
	}
}

func TestIngestIncoming_MentionDetection(t *testing.T) {
	adapter := &bridgetest.FullAdapter{}
	adapter.Channel = "telegram"
	ing, _, _ := newIngestor(t, func(o *Options) { o.SelfID = "fabricbot" })

	_, ic, err := ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "e1", "hey @fabricbot ping"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ic.WasMentioned {
		t.Error("expected mention to be detected")
	}

	_, ic, err = ing.IngestIncoming(context.Background(), adapter, "bridge-1", incoming("100", "u1", "e2", "no mention"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ic.WasMentioned {
		t.Error("unexpected mention")
	}
}

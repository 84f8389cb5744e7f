package dedupe

import (
	"context"
	"testing"
	"time"
)

func TestCheckAndMark_NewThenDuplicate(t *testing.T) {
	d := NewMemoryDeduper(0)
	defer d.Close()
	ctx := context.Background()
	key := Key{Channel: "telegram", BridgeID: "bridge_tg", ExternalMessageID: "msg_100"}

	fresh, err := d.CheckAndMark(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fresh {
		t.Fatal("expected first check to be new")
	}

	fresh, err = d.CheckAndMark(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh {
		t.Fatal("expected second check to be duplicate")
	}
}

func TestCheckAndMark_BridgeScoped(t *testing.T) {
	d := NewMemoryDeduper(0)
	defer d.Close()
	ctx := context.Background()

	k1 := Key{Channel: "telegram", BridgeID: "bridge_a", ExternalMessageID: "msg_1"}
	k2 := Key{Channel: "telegram", BridgeID: "bridge_b", ExternalMessageID: "msg_1"}

	if fresh, _ := d.CheckAndMark(ctx, k1, time.Minute); !fresh {
		t.Fatal("expected bridge_a key to be new")
	}
	if fresh, _ := d.CheckAndMark(ctx, k2, time.Minute); !fresh {
		t.Fatal("expected bridge_b key to be new despite same external id")
	}
}

func TestCheckAndMark_ExpiredKeyIsNew(t *testing.T) {
	d := NewMemoryDeduper(0)
	defer d.Close()
	ctx := context.Background()
	key := Key{Channel: "slack", BridgeID: "b", ExternalMessageID: "m"}

	if fresh, _ := d.CheckAndMark(ctx, key, 10*time.Millisecond); !fresh {
		t.Fatal("expected new")
	}
	time.Sleep(20 * time.Millisecond)
	if fresh, _ := d.CheckAndMark(ctx, key, time.Minute); !fresh {
		t.Fatal("expected expired key to count as new")
	}
}

func TestSeenMarkClearCount(t *testing.T) {
	d := NewMemoryDeduper(0)
	defer d.Close()
	ctx := context.Background()
	key := Key{Channel: "c", BridgeID: "b", ExternalMessageID: "m"}

	if seen, _ := d.Seen(ctx, key); seen {
		t.Fatal("expected unseen")
	}
	if err := d.MarkSeen(ctx, key, time.Minute); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if seen, _ := d.Seen(ctx, key); !seen {
		t.Fatal("expected seen")
	}
	if n, _ := d.Count(ctx); n != 1 {
		t.Fatalf("expected count 1, got %d", n)
	}
	if err := d.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := d.Count(ctx); n != 0 {
		t.Fatalf("expected count 0 after clear, got %d", n)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	d := NewMemoryDeduper(0)
	defer d.Close()
	ctx := context.Background()

	d.MarkSeen(ctx, Key{"c", "b", "m1"}, 5*time.Millisecond)
	d.MarkSeen(ctx, Key{"c", "b", "m2"}, time.Minute)
	time.Sleep(10 * time.Millisecond)
	d.sweep(time.Now())

	d.mu.Lock()
	size := len(d.entries)
	d.mu.Unlock()
	if size != 1 {
		t.Fatalf("expected 1 entry after sweep, got %d", size)
	}
}

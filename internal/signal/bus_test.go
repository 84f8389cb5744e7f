package signal

import (
	"sync"
	"testing"
)

func TestAttach_PrefixMatching(t *testing.T) {
	bus := NewBus()

	var all, outbound, exact int
	bus.Attach("", func(string, Measurements, Metadata) { all++ })
	bus.Attach("fabric.outbound", func(string, Measurements, Metadata) { outbound++ })
	bus.Attach("fabric.outbound.completed", func(string, Measurements, Metadata) { exact++ })

	bus.Emit("fabric.outbound.completed", Measurements{"count": 1}, nil)
	bus.Emit("fabric.outbound.classified_error", nil, nil)
	bus.Emit("fabric.pressure.transition", nil, nil)

	if all != 3 {
		t.Errorf("empty prefix should see everything, got %d", all)
	}
	if outbound != 2 {
		t.Errorf("fabric.outbound prefix should see 2, got %d", outbound)
	}
	if exact != 1 {
		t.Errorf("exact prefix should see 1, got %d", exact)
	}
	if bus.Emitted() != 3 {
		t.Errorf("expected 3 emitted, got %d", bus.Emitted())
	}
}

func TestEmit_NilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Emit("fabric.message.received", nil, nil)
	if bus.Emitted() != 0 {
		t.Error("nil bus must not count emissions")
	}
}

func TestEmit_SynchronousOrder(t *testing.T) {
	bus := NewBus()
	var seen []string
	bus.Attach("fabric.", func(event string, _ Measurements, _ Metadata) {
		seen = append(seen, event)
	})

	bus.Emit("fabric.a", nil, nil)
	bus.Emit("fabric.b", nil, nil)

	if len(seen) != 2 || seen[0] != "fabric.a" || seen[1] != "fabric.b" {
		t.Errorf("dispatch must be synchronous and ordered, got %v", seen)
	}
}

func TestEmit_ConcurrentEmitters(t *testing.T) {
	bus := NewBus()
	rec := NewRecorder(bus)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Emit("fabric.test.event", Measurements{"count": 1}, nil)
			}
		}()
	}
	wg.Wait()

	if got := rec.Count("fabric.test.event"); got != 400 {
		t.Errorf("expected 400 recorded events, got %d", got)
	}
}

func TestRecorder_NamedAndCount(t *testing.T) {
	bus := NewBus()
	rec := NewRecorder(bus)

	bus.Emit("fabric.message.received", Measurements{"count": 1}, Metadata{"channel": "telegram"})
	bus.Emit("fabric.message.sent", nil, nil)

	got := rec.Named("fabric.message.received")
	if len(got) != 1 || got[0].Metadata["channel"] != "telegram" {
		t.Errorf("unexpected events %+v", got)
	}
	if rec.Count("fabric.message.sent") != 1 {
		t.Error("count mismatch")
	}
	if len(rec.Events()) != 2 {
		t.Error("expected 2 total events")
	}
}

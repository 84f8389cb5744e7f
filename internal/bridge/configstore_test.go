package bridge

import (
	stderrors "errors"
	"testing"

	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/model"
)

func TestConfigStore_RevisionsIncrease(t *testing.T) {
	s := NewConfigStore()

	cfg, err := s.Put(model.BridgeConfig{ID: "b", AdapterModule: "m", Enabled: true, Revision: 0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cfg.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", cfg.Revision)
	}

	cfg, err = s.Put(model.BridgeConfig{ID: "b", AdapterModule: "m", Enabled: true, Revision: 1})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", cfg.Revision)
	}
}

func TestConfigStore_StaleRevisionConflicts(t *testing.T) {
	s := NewConfigStore()
	s.Put(model.BridgeConfig{ID: "b", AdapterModule: "m", Revision: 0}) // -> 1
	s.Put(model.BridgeConfig{ID: "b", AdapterModule: "m", Revision: 1}) // -> 2

	_, err := s.Put(model.BridgeConfig{ID: "b", AdapterModule: "m", Enabled: false, Revision: 0})
	var rc *errors.RevisionConflict
	if !stderrors.As(err, &rc) {
		t.Fatalf("expected revision conflict, got %v", err)
	}
	if rc.Expected != 2 || rc.Actual != 2 {
		t.Errorf("expected {2, 2}, got {%d, %d}", rc.Expected, rc.Actual)
	}

	// The conflicting write must not have touched state.
	cfg, _ := s.Get("b")
	if cfg.Revision != 2 {
		t.Errorf("expected stored revision 2, got %d", cfg.Revision)
	}
}

func TestConfigStore_ListEnabledFilter(t *testing.T) {
	s := NewConfigStore()
	s.Put(model.BridgeConfig{ID: "a", AdapterModule: "m", Enabled: true})
	s.Put(model.BridgeConfig{ID: "b", AdapterModule: "m", Enabled: false})
	s.Put(model.BridgeConfig{ID: "c", AdapterModule: "m", Enabled: true})

	enabled := true
	got := s.List(&enabled)
	if len(got) != 2 {
		t.Fatalf("expected 2 enabled, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("expected [a c], got [%s %s]", got[0].ID, got[1].ID)
	}

	if len(s.List(nil)) != 3 {
		t.Error("expected unfiltered list of 3")
	}
}

func TestConfigStore_GetMissing(t *testing.T) {
	s := NewConfigStore()
	if _, err := s.Get("nope"); !stderrors.Is(err, errors.ErrNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

package bridge

import (
	"encoding/json"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/signal"
)

// CollisionPolicy resolves two manifests claiming the same bridge id within
// one bootstrap run.
type CollisionPolicy string

const (
	PreferFirst CollisionPolicy = "prefer_first"
	PreferLast  CollisionPolicy = "prefer_last"
)

// ManifestVersion is the only accepted manifest file version.
const ManifestVersion = 1

// manifestFile is the on-disk manifest shape.
type manifestFile struct {
	ManifestVersion int               `json:"manifest_version"`
	ID              string            `json:"id"`
	AdapterModule   string            `json:"adapter_module"`
	Label           string            `json:"label,omitempty"`
	Capabilities    []Capability      `json:"capabilities,omitempty"`
	Adapters        map[string]string `json:"adapters,omitempty"`
	Opts            map[string]any    `json:"opts,omitempty"`
}

// Diagnostic is a typed bootstrap problem report.
type Diagnostic struct {
	Type     string // invalid_json, unknown_adapter_module, unsupported_manifest_version, missing_callback, unknown_capability, missing_required_bridge
	BridgeID string
	Path     string
	Policy   string // "fatal" for required bridges, "degraded" otherwise
	Detail   string
}

// Collision records a resolved id collision.
type Collision struct {
	BridgeID      string
	WinnerPath    string
	DiscardedPath string
}

// BootstrapOptions configures a manifest bootstrap run.
type BootstrapOptions struct {
	Paths           []string
	CollisionPolicy CollisionPolicy
	RequiredBridges []string
	ClearExisting   bool
}

// BootstrapReport summarizes a bootstrap run.
type BootstrapReport struct {
	Loaded      []string // bridge ids registered
	Collisions  []Collision
	Diagnostics []Diagnostic
}

// Bootstrap loads bridge manifests in order and registers them. Diagnostics
// on required bridges fail fast with fatal_required_bridge_error; optional
// bridges degrade and the run continues.
func Bootstrap(reg *Registry, opts BootstrapOptions, bus *signal.Bus) (*BootstrapReport, error) {
	if opts.CollisionPolicy == "" {
		opts.CollisionPolicy = PreferLast
	}
	required := make(map[string]bool, len(opts.RequiredBridges))
	for _, id := range opts.RequiredBridges {
		required[id] = true
	}

	if opts.ClearExisting {
		reg.Clear()
	}

	report := &BootstrapReport{}
	winners := make(map[string]string) // bridge id -> winning path

	fail := func(d Diagnostic) (*BootstrapReport, error) {
		d.Policy = "fatal"
		report.Diagnostics = append(report.Diagnostics, d)
		return report, &errors.FatalRequiredBridge{BridgeID: d.BridgeID, Diagnostic: d.Type, Path: d.Path}
	}
	degrade := func(d Diagnostic) {
		d.Policy = "degraded"
		report.Diagnostics = append(report.Diagnostics, d)
		logging.Warn("Degraded optional bridge manifest",
			zap.String("path", d.Path),
			zap.String("bridge_id", d.BridgeID),
			zap.String("type", d.Type),
		)
	}

	for _, path := range opts.Paths {
		mf, diag := readManifest(path)
		status := "ok"
		if diag != nil {
			status = diag.Type
		}
		bus.Emit(signal.EventManifestLoad,
			signal.Measurements{"count": 1},
			signal.Metadata{"path": path, "status": status, "bridge_id": manifestID(mf, diag)},
		)
		if diag != nil {
			if required[diag.BridgeID] {
				return fail(*diag)
			}
			degrade(*diag)
			continue
		}

		// Collision within this run.
		if prior, seen := winners[mf.ID]; seen {
			switch opts.CollisionPolicy {
			case PreferFirst:
				report.Collisions = append(report.Collisions, Collision{
					BridgeID: mf.ID, WinnerPath: prior, DiscardedPath: path,
				})
				continue
			case PreferLast:
				report.Collisions = append(report.Collisions, Collision{
					BridgeID: mf.ID, WinnerPath: path, DiscardedPath: prior,
				})
			}
		}

		manifest, diag := buildManifest(mf, path)
		if diag != nil {
			if required[mf.ID] {
				return fail(*diag)
			}
			degrade(*diag)
			continue
		}
		if err := reg.Register(manifest); err != nil {
			d := Diagnostic{Type: reasonOf(err), BridgeID: mf.ID, Path: path, Detail: err.Error()}
			if required[mf.ID] {
				return fail(d)
			}
			degrade(d)
			continue
		}
		if _, seen := winners[mf.ID]; !seen {
			report.Loaded = append(report.Loaded, mf.ID)
		}
		winners[mf.ID] = path
	}

	// A required bridge that no manifest provided is fatal too.
	for _, id := range opts.RequiredBridges {
		if _, ok := winners[id]; !ok {
			return fail(Diagnostic{Type: "missing_required_bridge", BridgeID: id})
		}
	}

	bus.Emit(signal.EventBootstrap,
		signal.Measurements{
			"loaded":      int64(len(report.Loaded)),
			"collisions":  int64(len(report.Collisions)),
			"diagnostics": int64(len(report.Diagnostics)),
		},
		signal.Metadata{"collision_policy": string(opts.CollisionPolicy)},
	)
	logging.Info("Bridge bootstrap complete",
		zap.Int("loaded", len(report.Loaded)),
		zap.Int("collisions", len(report.Collisions)),
		zap.Int("diagnostics", len(report.Diagnostics)),
	)
	return report, nil
}

func manifestID(mf *manifestFile, diag *Diagnostic) string {
	if mf != nil {
		return mf.ID
	}
	if diag != nil {
		return diag.BridgeID
	}
	return ""
}

func readManifest(path string) (*manifestFile, *Diagnostic) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Diagnostic{Type: errors.ReasonInvalidManifest, Path: path, Detail: err.Error()}
	}
	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, &Diagnostic{Type: errors.ReasonInvalidJSON, Path: path, Detail: err.Error()}
	}
	if mf.ManifestVersion != ManifestVersion {
		return nil, &Diagnostic{Type: errors.ReasonUnsupportedVersion, BridgeID: mf.ID, Path: path}
	}
	if mf.ID == "" || mf.AdapterModule == "" {
		return nil, &Diagnostic{Type: errors.ReasonInvalidManifest, BridgeID: mf.ID, Path: path, Detail: "id and adapter_module are required"}
	}
	return &mf, nil
}

func buildManifest(mf *manifestFile, path string) (*Manifest, *Diagnostic) {
	factory, ok := ResolveAdapterModule(mf.AdapterModule)
	if !ok {
		return nil, &Diagnostic{Type: errors.ReasonUnknownAdapter, BridgeID: mf.ID, Path: path, Detail: mf.AdapterModule}
	}
	adapter, err := factory(mf.Opts)
	if err != nil {
		return nil, &Diagnostic{Type: errors.ReasonInvalidManifest, BridgeID: mf.ID, Path: path, Detail: err.Error()}
	}

	secondary := make(map[string]Adapter)
	for name, module := range mf.Adapters {
		f, ok := ResolveAdapterModule(module)
		if !ok {
			return nil, &Diagnostic{Type: errors.ReasonUnknownAdapter, BridgeID: mf.ID, Path: path, Detail: module}
		}
		a, err := f(mf.Opts)
		if err != nil {
			return nil, &Diagnostic{Type: errors.ReasonInvalidManifest, BridgeID: mf.ID, Path: path, Detail: err.Error()}
		}
		secondary[name] = a
	}

	return &Manifest{
		BridgeID:      mf.ID,
		AdapterModule: mf.AdapterModule,
		Label:         mf.Label,
		Capabilities:  mf.Capabilities,
		Adapter:       adapter,
		Adapters:      secondary,
	}, nil
}

func reasonOf(err error) string {
	if te, ok := err.(*errors.Error); ok {
		return te.Reason
	}
	return "registration_failed"
}

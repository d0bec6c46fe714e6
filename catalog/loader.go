/*
Package catalog loads rule catalogs from disk.

PURPOSE:
  Turns a catalog directory into the ordered, compiled rule list the engine
  runs. Rules are data: operators edit JSON (or YAML) files and the loader
  validates them before a single document is touched.

LAYOUT:
  rules/
    rules_config.json        manifest, ordered groups
    guias.json               [ {rule}, {rule}, ... ]
    equipe.yaml              rules: [ ... ]

  {
    "groups": [
      {"name": "guias",  "file": "guias.json",  "active": true},
      {"name": "equipe", "file": "equipe.yaml", "active": false}
    ]
  }

KEY CONCEPTS:
  - Manifest order is rule order. Files not listed are ignored.
  - Groups and rules without an "active" flag are active.
  - A rule that fails validation is demoted to a CONFIG Diagnostic; the rest
    of the catalog still loads.
  - A missing manifest or an unreadable group file fails the whole load.

USAGE:
  loader := catalog.NewLoader("rules/", xp, catalog.WithLogger(logger))
  cat, err := loader.Load()
  engine, err := rules.NewEngine(cat.Rules, xp)

SEE ALSO:
  - rules/validate.go: per-rule validation
*/
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/glosa-engine/rules"
	"github.com/warp/glosa-engine/xmldoc"
)

// ManifestNames are tried in order inside the catalog directory.
var ManifestNames = []string{"rules_config.json", "rules_config.yaml", "rules_config.yml"}

// ErrNoManifest is returned when the catalog directory has no manifest.
var ErrNoManifest = errors.New("catalog manifest not found")

// =============================================================================
// MANIFEST
// =============================================================================

// Group is one manifest entry.
type Group struct {
	Name   string `json:"name" yaml:"name"`
	File   string `json:"file" yaml:"file"`
	Active *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

// IsActive reports whether the group should be loaded.
func (g Group) IsActive() bool { return g.Active == nil || *g.Active }

// Manifest lists rule groups in load order.
type Manifest struct {
	Groups []Group `json:"groups" yaml:"groups"`
}

// =============================================================================
// RESULT
// =============================================================================

// Diagnostic describes a rule that was skipped at load time.
type Diagnostic struct {
	Group  string
	File   string
	Index  int // position of the record inside its file
	RuleID string
	Err    error
}

func (d Diagnostic) String() string {
	id := d.RuleID
	if id == "" {
		id = fmt.Sprintf("#%d", d.Index)
	}
	return fmt.Sprintf("%s (%s): %v", id, d.File, d.Err)
}

// Catalog is the outcome of a load.
type Catalog struct {
	Rules       []rules.Rule
	Diagnostics []Diagnostic
	Groups      []Group // groups actually loaded, in order
}

// =============================================================================
// LOADER
// =============================================================================

// Loader reads a catalog directory.
type Loader struct {
	dir      string
	xp       *xmldoc.XPath
	maxDepth int
	logger   *zap.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithMaxDepth bounds condition nesting. Zero keeps rules.DefaultMaxDepth.
func WithMaxDepth(depth int) LoaderOption {
	return func(l *Loader) { l.maxDepth = depth }
}

// WithLogger sets the logger used for CONFIG diagnostics.
func WithLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader creates a loader for dir. XPaths are checked against xp.
func NewLoader(dir string, xp *xmldoc.XPath, opts ...LoaderOption) *Loader {
	l := &Loader{dir: dir, xp: xp, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the manifest and every active group file it names.
func (l *Loader) Load() (*Catalog, error) {
	manifest, err := l.readManifest()
	if err != nil {
		return nil, err
	}

	cat := &Catalog{}
	seen := make(map[string]string) // rule id -> group
	for _, g := range manifest.Groups {
		if !g.IsActive() {
			l.logger.Debug("group inactive, skipping", zap.String("group", g.Name))
			continue
		}
		if g.File == "" {
			return nil, fmt.Errorf("%w: group %q has no file", rules.ErrConfig, g.Name)
		}

		path := g.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(l.dir, path)
		}
		records, err := readRecords(path)
		if err != nil {
			return nil, err
		}

		loaded := 0
		for i, rec := range records {
			r, err := l.compile(rec)
			if r != nil && r.ID != "" && err == nil {
				if prev, dup := seen[r.ID]; dup {
					err = fmt.Errorf("%w: duplicate rule id (first defined in group %q)", rules.ErrConfig, prev)
				}
			}
			if err != nil {
				d := Diagnostic{Group: g.Name, File: g.File, Index: i, Err: err}
				if r != nil {
					d.RuleID = r.ID
				}
				l.logger.Warn("rule skipped",
					zap.String("kind", "CONFIG"),
					zap.String("group", g.Name),
					zap.String("rule_id", d.RuleID),
					zap.Int("index", i),
					zap.Error(err))
				cat.Diagnostics = append(cat.Diagnostics, d)
				continue
			}
			if r == nil {
				continue // inactive
			}
			r.Group = g.Name
			seen[r.ID] = g.Name
			cat.Rules = append(cat.Rules, *r)
			loaded++
		}
		cat.Groups = append(cat.Groups, g)
		l.logger.Info("group loaded", zap.String("group", g.Name), zap.Int("rules", loaded))
	}
	return cat, nil
}

// compile decodes one record. It returns (nil, nil) for an inactive rule and
// a partially filled rule alongside any error so diagnostics can name it.
func (l *Loader) compile(rec record) (*rules.Rule, error) {
	var head struct {
		ID     string `json:"id" yaml:"id"`
		Active *bool  `json:"active" yaml:"active"`
	}
	if err := rec.decode(&head); err != nil {
		return nil, fmt.Errorf("%w: %v", rules.ErrConfig, err)
	}
	if head.Active != nil && !*head.Active {
		return nil, nil
	}

	r := &rules.Rule{ID: head.ID}
	if err := rec.decode(r); err != nil {
		return r, fmt.Errorf("%w: %v", rules.ErrConfig, err)
	}
	r.ID = strings.TrimSpace(r.ID)
	r.Active = true
	if err := r.Compile(l.xp, l.maxDepth); err != nil {
		return r, err
	}
	return r, nil
}

func (l *Loader) readManifest() (*Manifest, error) {
	for _, name := range ManifestNames {
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}

		var m Manifest
		if isYAML(path) {
			err = yaml.Unmarshal(data, &m)
		} else {
			err = json.Unmarshal(data, &m)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: manifest %s: %v", rules.ErrConfig, name, err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("%w in %s", ErrNoManifest, l.dir)
}

// =============================================================================
// GROUP FILES
// =============================================================================

// record is one undecoded rule from a group file.
type record struct {
	decode func(v any) error
}

// readRecords accepts either a bare list of rules or an object with a
// "rules" list, in JSON or YAML.
func readRecords(path string) ([]record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read group file: %w", err)
	}
	if isYAML(path) {
		return yamlRecords(path, data)
	}
	return jsonRecords(path, data)
}

func jsonRecords(path string, data []byte) ([]record, error) {
	var raws []json.RawMessage
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", rules.ErrConfig, path, err)
		}
	} else {
		var wrapped struct {
			Rules []json.RawMessage `json:"rules"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", rules.ErrConfig, path, err)
		}
		raws = wrapped.Rules
	}

	out := make([]record, len(raws))
	for i, raw := range raws {
		raw := raw
		out[i] = record{decode: func(v any) error { return json.Unmarshal(raw, v) }}
	}
	return out, nil
}

func yamlRecords(path string, data []byte) ([]record, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", rules.ErrConfig, path, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	list := doc.Content[0]
	if list.Kind == yaml.MappingNode {
		list = nil
		for i := 0; i+1 < len(doc.Content[0].Content); i += 2 {
			if doc.Content[0].Content[i].Value == "rules" {
				list = doc.Content[0].Content[i+1]
				break
			}
		}
	}
	if list == nil || list.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: %s: expected a list of rules", rules.ErrConfig, path)
	}

	out := make([]record, len(list.Content))
	for i, node := range list.Content {
		node := node
		out[i] = record{decode: node.Decode}
	}
	return out, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

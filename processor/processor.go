/*
Package processor runs the rule engine over files.

PURPOSE:
  Owns the run boundary around the engine: load a document (plain XML or a
  PTU zip), apply every rule, serialize, and write the result atomically.
  Batches process many documents in parallel under one execution id.

RUN CONTRACT:
  - A clean document is never rewritten.
  - A dirty document is serialized (ISO-8859-1, tag per line) and written
    either next to the input (in place) or into the output directory. Zip
    packages are repacked with the corrected invoice.
  - A failed document is never written. Its error is reported in
    DocumentResult.Err; other documents of the batch proceed.

CONCURRENCY:
  Each document is owned by one goroutine. The engine, catalog and namespace
  facade are shared read-only. Parallelism is bounded by the workers option.

USAGE:
  p := processor.New(engine, parser,
      processor.WithOutputDir("corrigidos"),
      processor.WithWorkers(4),
      processor.WithExecutionLog(store))

  batch, err := p.Batch(ctx, []string{"lote/N0001.051", "lote/N0002.zip"})

SEE ALSO:
  - rules/engine.go: Apply
  - archive/archive.go: zip packages
*/
package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/glosa-engine/archive"
	"github.com/warp/glosa-engine/rules"
	"github.com/warp/glosa-engine/tracking"
	"github.com/warp/glosa-engine/xmldoc"
)

// =============================================================================
// RESULTS
// =============================================================================

// DocumentResult is the outcome for one document.
type DocumentResult struct {
	Path     string        `json:"path"`
	Output   string        `json:"output,omitempty"` // written file, empty when nothing was written
	Result   *rules.Result `json:"result,omitempty"`
	Modified bool          `json:"modified"`
	Warnings []string      `json:"warnings,omitempty"`
	Err      error         `json:"-"`

	// Corrected holds the bytes that were (or would be) written.
	Corrected []byte `json:"-"`
}

// BatchResult aggregates a batch.
type BatchResult struct {
	ExecutionID string           `json:"execution_id"`
	Documents   []DocumentResult `json:"documents"`
	Modified    int              `json:"modified"`
	Failed      int              `json:"failed"`
}

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor applies an engine to documents.
type Processor struct {
	engine  *rules.Engine
	parser  *xmldoc.Parser
	logger  *zap.Logger
	outDir  string
	inPlace bool
	workers int
	execLog tracking.ExecutionLog
	onEnd   []func(executionID string)
	newID   func() string
}

// Option configures a Processor.
type Option func(*Processor)

// WithOutputDir writes corrected documents into dir.
func WithOutputDir(dir string) Option {
	return func(p *Processor) { p.outDir = dir }
}

// WithInPlace overwrites inputs instead of using the output directory.
func WithInPlace(inPlace bool) Option {
	return func(p *Processor) { p.inPlace = inPlace }
}

// WithWorkers bounds batch parallelism.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger sets the logger used for per-document and batch logs.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithExecutionLog records batch start and finish.
func WithExecutionLog(l tracking.ExecutionLog) Option {
	return func(p *Processor) { p.execLog = l }
}

// WithExecutionEnd registers a callback run after each batch, e.g. to
// release per-execution sink state.
func WithExecutionEnd(fn func(executionID string)) Option {
	return func(p *Processor) { p.onEnd = append(p.onEnd, fn) }
}

// WithIDGenerator overrides uuid execution ids.
func WithIDGenerator(fn func() string) Option {
	return func(p *Processor) { p.newID = fn }
}

// New creates a processor. parser may be nil for the default namespaces.
func New(engine *rules.Engine, parser *xmldoc.Parser, opts ...Option) *Processor {
	p := &Processor{
		engine:  engine,
		parser:  parser,
		logger:  zap.NewNop(),
		outDir:  ".",
		workers: 1,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.parser == nil {
		p.parser = xmldoc.NewParser(xmldoc.DefaultNamespaces(), p.logger)
	}
	return p
}

// NewExecutionID returns a fresh execution id.
func (p *Processor) NewExecutionID() string { return p.newID() }

// =============================================================================
// SINGLE DOCUMENT
// =============================================================================

// ProcessBytes runs the engine over data without touching the file system.
// name decides zip handling and is passed to the sink as the file name.
func (p *Processor) ProcessBytes(ctx context.Context, executionID, name string, data []byte) DocumentResult {
	res := DocumentResult{Path: name}

	xmlData := data
	var inv *archive.Invoice
	if archive.IsPackage(name) {
		var err error
		inv, err = archive.ReadInvoice(data)
		if err != nil {
			res.Err = rules.NewError(rules.ErrIO, "", "unzip", fmt.Errorf("%s: %w", name, err))
			return res
		}
		xmlData = inv.Data
	}

	doc, err := p.parser.ParseBytes(xmlData, name)
	if err != nil {
		res.Err = rules.NewError(rules.ErrIO, "", "parse", err)
		return res
	}
	res.Warnings = doc.Warnings

	result, err := p.engine.Apply(ctx, doc, executionID, filepath.Base(name))
	if err != nil {
		res.Err = err
		return res
	}
	res.Result = result
	if !result.Dirty {
		return res
	}

	out, err := xmldoc.Serialize(doc)
	if err != nil {
		res.Err = rules.NewError(rules.ErrIO, "", "serialize", err)
		return res
	}
	if inv != nil {
		inv.Data = out
		if out, err = archive.RepackBytes(data, *inv); err != nil {
			res.Err = rules.NewError(rules.ErrIO, "", "repack", err)
			return res
		}
	}
	res.Modified = true
	res.Corrected = out
	return res
}

// ProcessFile runs the engine over the file at path and writes the result
// when the document changed.
func (p *Processor) ProcessFile(ctx context.Context, executionID, path string) DocumentResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return DocumentResult{Path: path, Err: rules.NewError(rules.ErrIO, "", "read", err)}
	}

	res := p.ProcessBytes(ctx, executionID, path, data)
	if res.Err != nil || !res.Modified {
		return res
	}

	target, err := p.target(path)
	if err != nil {
		res.Err = rules.NewError(rules.ErrIO, "", "write", err)
		return res
	}
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := xmldoc.WriteFileAtomic(target, res.Corrected, perm); err != nil {
		res.Err = rules.NewError(rules.ErrIO, "", "write", err)
		return res
	}
	res.Output = target
	return res
}

func (p *Processor) target(path string) (string, error) {
	if p.inPlace {
		return path, nil
	}
	if err := os.MkdirAll(p.outDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(p.outDir, filepath.Base(path)), nil
}

// =============================================================================
// BATCH
// =============================================================================

// Batch processes paths under one execution id. Per-document failures are
// reported in the result; the returned error is only set when ctx ends.
func (p *Processor) Batch(ctx context.Context, paths []string) (*BatchResult, error) {
	executionID := p.newID()
	started := time.Now()
	logger := p.logger.With(zap.String("execution_id", executionID))

	if p.execLog != nil {
		if err := p.execLog.StartExecution(ctx, tracking.Execution{ID: executionID, StartedAt: started}); err != nil {
			logger.Warn("execution log start failed", zap.Error(err))
		}
	}
	defer func() {
		for _, fn := range p.onEnd {
			fn(executionID)
		}
	}()

	results := make([]DocumentResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, path := range paths {
		g.Go(func() error {
			results[i] = p.ProcessFile(gctx, executionID, path)
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{ExecutionID: executionID, Documents: results}
	for _, r := range results {
		switch {
		case r.Err != nil:
			batch.Failed++
			logger.Error("document failed", zap.String("path", r.Path), zap.Error(r.Err))
		case r.Modified:
			batch.Modified++
			logger.Info("document corrected",
				zap.String("path", r.Path),
				zap.String("output", r.Output),
				zap.Int("changes", r.Result.Changes()))
		default:
			logger.Debug("document unchanged", zap.String("path", r.Path))
		}
	}

	if p.execLog != nil {
		finished := time.Now()
		exec := tracking.Execution{
			ID: executionID, StartedAt: started, FinishedAt: &finished,
			Files: len(paths), Modified: batch.Modified, Failed: batch.Failed,
		}
		if err := p.execLog.FinishExecution(context.WithoutCancel(ctx), exec); err != nil {
			logger.Warn("execution log finish failed", zap.Error(err))
		}
	}

	logger.Info("batch finished",
		zap.Int("files", len(paths)),
		zap.Int("modified", batch.Modified),
		zap.Int("failed", batch.Failed),
		zap.Duration("elapsed", time.Since(started)))
	return batch, ctx.Err()
}

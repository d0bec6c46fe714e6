package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/glosa-engine/catalog"
	"github.com/warp/glosa-engine/config"
	"github.com/warp/glosa-engine/rules"
	"github.com/warp/glosa-engine/store/sqlite"
	"github.com/warp/glosa-engine/tracking"
	"github.com/warp/glosa-engine/xmldoc"
)

// trackingStore is what the commands need from a tracking backend.
type trackingStore interface {
	tracking.RecordStore
	tracking.ExecutionLog
}

// app holds the dependencies shared by every command.
type app struct {
	xp       *xmldoc.XPath
	parser   *xmldoc.Parser
	catalog  *catalog.Catalog
	engine   *rules.Engine
	store    trackingStore
	recorder *tracking.Recorder
	close    func() error
}

// loadCatalog builds the namespace facade and loads the configured catalog.
func loadCatalog(cfg *config.Config, logger *zap.Logger) (*xmldoc.XPath, *catalog.Catalog, error) {
	xp, err := cfg.XPath()
	if err != nil {
		return nil, nil, fmt.Errorf("namespaces: %w", err)
	}
	cat, err := catalog.NewLoader(cfg.CatalogDir, xp,
		catalog.WithMaxDepth(cfg.MaxConditionDepth),
		catalog.WithLogger(logger),
	).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog %s: %w", cfg.CatalogDir, err)
	}
	return xp, cat, nil
}

// newApp wires catalog, tracking and engine from the configuration.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	xp, cat, err := loadCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("catalog loaded",
		zap.String("dir", cfg.CatalogDir),
		zap.Int("rules", len(cat.Rules)),
		zap.Int("diagnostics", len(cat.Diagnostics)))

	a := &app{xp: xp, catalog: cat, close: func() error { return nil }}
	if cfg.Tracking.DBPath != "" {
		store, err := sqlite.New(cfg.Tracking.DBPath)
		if err != nil {
			return nil, fmt.Errorf("tracking store: %w", err)
		}
		a.store = store
		a.close = store.Close
	} else {
		a.store = tracking.NewMemory()
	}
	a.recorder = tracking.NewRecorder(a.store)

	a.engine, err = rules.NewEngine(cat.Rules, xp,
		rules.WithSink(a.recorder),
		rules.WithLogger(logger))
	if err != nil {
		a.close()
		return nil, err
	}
	a.parser = xmldoc.NewParser(xp.Namespaces(), logger)
	return a, nil
}

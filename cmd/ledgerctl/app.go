package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/karasz/auditledger"
	"github.com/karasz/auditledger/internal/config"
)

// app holds the components built from one configuration.
type app struct {
	cfg      config.Config
	store    auditledger.SQLStore
	signer   *auditledger.Signer
	ledger   *auditledger.Ledger
	sinks    *auditledger.SinkRegistry
	rotator  *auditledger.Rotator
	metrics  *auditledger.Metrics
	registry *prometheus.Registry
	fileSink *auditledger.FileSink
}

func openApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.metrics = auditledger.NewMetrics(a.registry)

	signer, err := buildSigner(cfg)
	if err != nil {
		return nil, err
	}
	a.signer = signer

	if err := a.buildSinks(); err != nil {
		return nil, err
	}

	st, err := auditledger.OpenStore(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		_ = a.sinks.Close(context.Background())
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	a.store = st

	a.ledger, err = auditledger.New(auditledger.Config{
		DefaultChain:   cfg.Ledger.DefaultChain,
		MaxRetries:     cfg.Ledger.MaxRetries,
		DisableRetries: cfg.Ledger.MaxRetries == 0,
		SignReceipts:   cfg.Ledger.SignReceipts,
		Signer:         signer,
		Metrics:        a.metrics,
		Sinks:          a.sinks,
	}, st)
	if err != nil {
		_ = a.sinks.Close(context.Background())
		st.Close()
		return nil, err
	}
	return a, nil
}

func buildSigner(cfg config.Config) (*auditledger.Signer, error) {
	secret, err := cfg.Signing.Secret()
	if errors.Is(err, config.ErrNoSecret) && !cfg.Ledger.SignReceipts {
		log.Debugw("no signing secret, receipts and snapshots disabled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys, err := auditledger.NewDerivedKeys(secret, []byte(cfg.Signing.Salt), cfg.Signing.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("signing keys: %w", err)
	}
	return auditledger.NewSigner(keys), nil
}

func (a *app) buildSinks() error {
	sc := a.cfg.Sinks
	if sc.Webhook == nil && sc.Proto == nil && sc.File == nil {
		return nil
	}
	a.sinks = auditledger.NewSinkRegistry(sc.Queue, a.metrics)

	gate := func(s auditledger.NotifySink, minSeverity string) (auditledger.NotifySink, error) {
		if minSeverity == "" {
			return s, nil
		}
		sev, err := auditledger.ParseSeverity(minSeverity)
		if err != nil {
			return nil, err
		}
		return auditledger.WithMinSeverity(s, sev), nil
	}

	if w := sc.Webhook; w != nil {
		s, err := gate(auditledger.NewWebhookSink(w.URL, w.Token), w.MinSeverity)
		if err != nil {
			return err
		}
		a.sinks.Register(s)
	}
	if p := sc.Proto; p != nil {
		ps := auditledger.NewProtoSink(p.URL, p.Token)
		ps.JSON = p.JSON
		s, err := gate(ps, p.MinSeverity)
		if err != nil {
			return err
		}
		a.sinks.Register(s)
	}
	if f := sc.File; f != nil {
		rot, err := auditledger.NewRotator(filepath.Dir(f.Path), auditledger.RotationPolicy{
			MaxBytes: a.cfg.Rotation.MaxBytes,
			MaxAge:   a.cfg.Rotation.MaxAge,
			Keep:     a.cfg.Rotation.Keep,
		}, a.metrics)
		if err != nil {
			return err
		}
		fs, err := auditledger.NewFileSink(f.Path, rot)
		if err != nil {
			return err
		}
		s, err := gate(fs, f.MinSeverity)
		if err != nil {
			return err
		}
		a.rotator, a.fileSink = rot, fs
		a.sinks.Register(s)
	}
	return nil
}

func (a *app) archiver() (*auditledger.Archiver, error) {
	if a.signer == nil {
		return nil, fmt.Errorf("snapshots need a signing secret: set %s or signing.secret_file", a.cfg.Signing.SecretEnv)
	}
	archives, err := auditledger.OpenFileArchiveStore(a.cfg.Snapshots.ArchiveDir)
	if err != nil {
		return nil, err
	}
	deployment := make(map[string]any, len(a.cfg.Deployment))
	for k, v := range a.cfg.Deployment {
		deployment[k] = v
	}
	return auditledger.NewArchiver(auditledger.ArchiverConfig{
		Store:          a.store,
		Catalog:        a.store,
		Dumper:         a.store,
		Archives:       archives,
		Signer:         a.signer,
		System:         auditledger.HostCollector{EnvAllow: a.cfg.Snapshots.EnvAllow},
		Deployment:     deployment,
		MaxEntries:     a.cfg.Snapshots.MaxEntries,
		CollectTimeout: a.cfg.Snapshots.CollectTimeout,
		Metrics:        a.metrics,
	})
}

// Close drains the sinks, closes the store and writes metrics when asked to.
func (a *app) Close(ctx context.Context, metricsOut string) error {
	var errs []error
	if err := a.sinks.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain sinks: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if metricsOut != "" {
		if err := prometheus.WriteToTextfile(metricsOut, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

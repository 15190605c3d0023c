package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/audit"
	"github.com/fyrsmithlabs/guardrail/internal/catalog"
	"github.com/fyrsmithlabs/guardrail/internal/config"
	"github.com/fyrsmithlabs/guardrail/internal/detector"
	"github.com/fyrsmithlabs/guardrail/internal/ignore"
	"github.com/fyrsmithlabs/guardrail/internal/logging"
	"github.com/fyrsmithlabs/guardrail/internal/notify"
	"github.com/fyrsmithlabs/guardrail/internal/prompt"
	"github.com/fyrsmithlabs/guardrail/internal/remediation"
	"github.com/fyrsmithlabs/guardrail/internal/sanitize"
	"github.com/fyrsmithlabs/guardrail/internal/search"
	"github.com/fyrsmithlabs/guardrail/internal/store"
	"github.com/fyrsmithlabs/guardrail/internal/telemetry"
	"github.com/fyrsmithlabs/guardrail/internal/testrunner"
	"github.com/fyrsmithlabs/guardrail/internal/vcs"
)

// app holds everything a command needs for one project.
type app struct {
	root      string
	projectID string
	cfg       *config.Config

	logger   *logging.Logger
	tel      *telemetry.Telemetry
	store    store.Store
	notifier notify.Notifier
	catalog  *catalog.Catalog
	ignore   *ignore.Matcher
	detector *detector.Detector
}

// newApp resolves the project root from args and initializes, in order:
// configuration, telemetry, logging, the record store, the notifier and
// the detector.
func newApp(ctx context.Context, flags *globalFlags, args []string) (*app, error) {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	root, err := sanitize.ValidateRoot(root)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(config.Options{Path: flags.configPath, Root: root})
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, flags)

	a := &app{
		root:      root,
		projectID: sanitize.ProjectID(cfg.Project, root),
		cfg:       cfg,
		notifier:  notify.Noop{},
	}

	a.tel, err = telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lcfg, err := loggingConfig(cfg, a.tel.IsEnabled())
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	logger, err := logging.NewLogger(lcfg, a.tel.LoggerProvider())
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	a.logger = a.logger.With(zap.String("project.id", a.projectID))
	zl := a.logger.Underlying()

	st, err := openStore(cfg, zl)
	if err != nil {
		a.Close(ctx)
		return nil, &remediation.CollaboratorUnavailable{Collaborator: remediation.CollaboratorStore, Err: err}
	}
	a.store = st

	if cfg.Notify.URL != "" {
		n, err := notify.Connect(cfg.Notify.URL,
			notify.WithSubjectPrefix(cfg.Notify.SubjectPrefix),
			notify.WithLogger(zl),
		)
		if err != nil {
			a.logger.Warn(ctx, "event notifications disabled", zap.Error(err))
		} else {
			a.notifier = n
		}
	}

	if a.catalog, err = catalog.Load(root, cfg.Scan.Catalog); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if a.ignore, err = loadIgnore(root, cfg.Scan.Exclude); err != nil {
		a.Close(ctx)
		return nil, err
	}

	engines := []search.Engine{search.NewCatalogEngine(a.catalog)}
	if cfg.Scan.Gitleaks {
		gl, err := search.NewGitleaksEngine(a.catalog)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to load gitleaks rules: %w", err)
		}
		engines = append(engines, gl)
	}
	searcher := search.NewFileSearcher(search.Options{
		Workers:     cfg.Scan.Workers,
		MaxFileSize: cfg.Scan.MaxFileSize,
		Ignore:      a.ignore,
		Skip:        a.catalog.Skips,
		Logger:      zl,
	}, engines...)
	a.detector = detector.New(searcher, detector.WithLogger(zl))

	a.logger.Debug(ctx, "initialized",
		zap.String("root", root),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("telemetry", a.tel.IsEnabled()),
		zap.Int("patterns", len(a.catalog.Patterns())),
	)
	return a, nil
}

// Context returns ctx carrying the app's logger and project id.
func (a *app) Context(ctx context.Context) context.Context {
	ctx = logging.WithProject(ctx, a.projectID)
	return logging.WithLogger(ctx, a.logger)
}

// Close releases the store, the notifier and flushes telemetry. Safe on a
// partially initialized app.
func (a *app) Close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "failed to close store", zap.Error(err))
		}
	}
	if a.notifier != nil {
		_ = a.notifier.Close()
	}
	if a.tel != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = a.tel.Shutdown(sctx)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// channel selects how questions are answered: scripted answers, the
// non-interactive policy, or the terminal.
func (a *app) channel(in io.Reader, out io.Writer) (prompt.Channel, error) {
	switch {
	case a.cfg.Triage.Answers != "":
		s, err := prompt.LoadScripted(a.cfg.Triage.Answers)
		if err != nil {
			return nil, err
		}
		return s, nil
	case a.cfg.Triage.NonInteractive:
		return prompt.NewPolicy(out, a.cfg.Triage.Policy...), nil
	default:
		return prompt.NewTerminal(in, out), nil
	}
}

func (a *app) auditor(ch prompt.Channel) *audit.Auditor {
	return audit.New(a.root, a.projectID, a.store, a.detector, ch,
		audit.WithLogger(a.logger.Underlying().Named("audit")),
		audit.WithTestPaths(a.catalog.IsTestPath))
}

// engine builds a remediation engine. A project outside a git worktree
// cannot be remediated.
func (a *app) engine(ch prompt.Channel) (*remediation.Engine, error) {
	zl := a.logger.Underlying()

	repo, err := vcs.Open(a.root, vcs.WithAuthor(vcs.Author{
		Name:  a.cfg.VCS.AuthorName,
		Email: a.cfg.VCS.AuthorEmail,
	}))
	if err != nil {
		return nil, &remediation.CollaboratorUnavailable{Collaborator: remediation.CollaboratorVCS, Err: err}
	}

	tests, err := testrunner.New(a.root, testrunner.Config{
		Command:       a.cfg.Tests.Command,
		CoverageRegex: a.cfg.Tests.CoverageRegex,
		Timeout:       a.cfg.Tests.Timeout.Duration(),
	}, testrunner.WithLogger(zl.Named("tests")))
	if err != nil {
		return nil, err
	}

	return remediation.New(remediation.Config{
		Root:                 a.root,
		ProjectID:            a.projectID,
		LeaseTTL:             a.cfg.Session.LeaseTTL.Duration(),
		MaxEmergencyAttempts: a.cfg.Emergency.MaxAttempts,
	}, a.store, a.detector, repo, tests, ch,
		remediation.WithLogger(zl.Named("remediation")),
		remediation.WithNotifier(a.notifier),
		remediation.WithCatalog(a.catalog),
	)
}

// applyFlags layers command-line flags over loaded configuration.
func applyFlags(cfg *config.Config, flags *globalFlags) {
	if flags.project != "" {
		cfg.Project = flags.project
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	switch {
	case flags.answers != "":
		cfg.Triage.Answers = flags.answers
		cfg.Triage.NonInteractive = false
	case flags.nonInteractive:
		cfg.Triage.NonInteractive = true
		cfg.Triage.Answers = ""
	}
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Insecure = cfg.Telemetry.Insecure
	tc.Sampling.Rate = cfg.Telemetry.SampleRate
	tc.ServiceVersion = version
	switch cfg.Telemetry.Protocol {
	case "http", telemetry.ProtocolHTTP:
		tc.Protocol = telemetry.ProtocolHTTP
	default:
		tc.Protocol = telemetry.ProtocolGRPC
	}
	return tc
}

func loggingConfig(cfg *config.Config, otelEnabled bool) (*logging.Config, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	if cfg.Logging.Format != "" {
		lc.Format = cfg.Logging.Format
	}
	lc.Output.OTEL = otelEnabled
	return lc, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		rs, err := store.NewRedisStore(store.RedisOptions{
			URL:       cfg.Store.RedisURL.Value(),
			KeyPrefix: cfg.Store.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return rs, nil
	case config.BackendFile, "":
		dir := cfg.Store.Path
		if dir == "" {
			var err error
			if dir, err = config.DefaultStateDir(); err != nil {
				return nil, err
			}
		}
		fs, err := store.NewFileStore(dir, store.WithFileLogger(logger.Named("store")))
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func loadIgnore(root string, exclude []string) (*ignore.Matcher, error) {
	lines, err := ignore.NewParser(ignore.DefaultFiles, ignore.DefaultFallback).ParseProject(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore files: %w", err)
	}
	for _, line := range exclude {
		if err := ignore.Validate(line); err != nil {
			return nil, fmt.Errorf("invalid scan.exclude entry: %w", err)
		}
	}
	return ignore.NewMatcher(append(lines, exclude...)...)
}

// isNotFound reports a project that has never been audited.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNoActiveSession)
}

package emergency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/catalog"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/metrics"
	"github.com/fyrsmithlabs/guardrail/internal/notify"
	"github.com/fyrsmithlabs/guardrail/internal/prompt"
)

const instrumentationName = "github.com/fyrsmithlabs/guardrail/internal/emergency"

// Choices offered to the user.
const (
	ChoiceAcknowledge   = "acknowledge"
	ChoiceDone          = "done"
	ChoiceFalsePositive = "false positive"
	ChoiceAbandon       = "abandon"
)

// Event is the closed set of inputs the controller reacts to.
type Event interface {
	emergencyEvent()
}

// Detected reports a finding classified P0.
type Detected struct {
	Finding *finding.Finding
}

// Acknowledged reports that the user has read the briefing and started
// remediating.
type Acknowledged struct{}

// FixCompleted reports that the user believes the credential is removed.
type FixCompleted struct{}

// MarkedFalsePositive downgrades the active Emergency.
type MarkedFalsePositive struct {
	Reason string
}

// Abandoned leaves the active Emergency open.
type Abandoned struct {
	Reason string
}

func (Detected) emergencyEvent()            {}
func (Acknowledged) emergencyEvent()        {}
func (FixCompleted) emergencyEvent()        {}
func (MarkedFalsePositive) emergencyEvent() {}
func (Abandoned) emergencyEvent()           {}

func eventName(ev Event) string {
	switch ev.(type) {
	case Detected:
		return "detected"
	case Acknowledged:
		return "acknowledged"
	case FixCompleted:
		return "fix_completed"
	case MarkedFalsePositive:
		return "marked_false_positive"
	case Abandoned:
		return "abandoned"
	}
	return "unknown"
}

// Target is the session an Emergency interrupts.
type Target interface {
	ProjectID() string
	SessionID() string
	Ledger() *Ledger
	Finding(id string) (*finding.Finding, bool)
	Suppress(f *finding.Finding, reason string, at time.Time)
	PauseForEmergency(at time.Time) error
	ResumeFromEmergency(at time.Time) error
}

// Verifier re-checks the triggering location.
type Verifier interface {
	StillPresent(ctx context.Context, e *Emergency) (bool, error)
}

// Tracker answers whether a path is committed, which decides whether the
// briefing asks for a history rewrite.
type Tracker interface {
	Tracked(path string) (bool, error)
}

// Controller drives Emergencies for a Target.
type Controller struct {
	channel     prompt.Channel
	verifier    Verifier
	catalog     *catalog.Catalog
	tracker     Tracker
	notifier    notify.Notifier
	checkpoint  func(context.Context) error
	maxAttempts int

	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string

	// per-process bookkeeping; not persisted
	runAttempts map[string]int
	briefed     map[string]bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithCatalog sets the catalog used to infer providers.
func WithCatalog(c *catalog.Catalog) Option {
	return func(ctl *Controller) { ctl.catalog = c }
}

// WithTracker enables the commit-history line of the briefing.
func WithTracker(t Tracker) Option {
	return func(ctl *Controller) { ctl.tracker = t }
}

// WithNotifier publishes every state change.
func WithNotifier(n notify.Notifier) Option {
	return func(ctl *Controller) { ctl.notifier = n }
}

// WithCheckpoint registers a function called after every state change,
// normally one that saves the session record.
func WithCheckpoint(fn func(context.Context) error) Option {
	return func(ctl *Controller) { ctl.checkpoint = fn }
}

// WithMaxAttempts caps failed verifications per run. Zero means unbounded.
func WithMaxAttempts(n int) Option {
	return func(ctl *Controller) { ctl.maxAttempts = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(ctl *Controller) { ctl.now = now }
}

// WithIDGenerator overrides emergency id generation.
func WithIDGenerator(gen func() string) Option {
	return func(ctl *Controller) { ctl.newID = gen }
}

// NewController creates a controller that talks to the user through channel
// and re-checks locations with verifier.
func NewController(channel prompt.Channel, verifier Verifier, opts ...Option) *Controller {
	c := &Controller{
		channel:     channel,
		verifier:    verifier,
		notifier:    notify.Noop{},
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(instrumentationName),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		runAttempts: make(map[string]int),
		briefed:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.catalog == nil {
		c.catalog = catalog.Default()
	}
	return c
}

// Handle applies one event. Abandoned always returns an *UnresolvedError.
func (c *Controller) Handle(ctx context.Context, t Target, ev Event) error {
	ctx, span := c.tracer.Start(ctx, "emergency.handle")
	defer span.End()
	span.SetAttributes(attribute.String("event", eventName(ev)))

	err := c.handle(ctx, t, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("state", string(t.Ledger().State())))
	return err
}

func (c *Controller) handle(ctx context.Context, t Target, ev Event) error {
	l := t.Ledger()

	switch ev := ev.(type) {
	case Detected:
		return c.detected(ctx, t, ev.Finding)

	case Acknowledged:
		e, err := expect(l, StateAwaitingUser)
		if err != nil {
			return err
		}
		return c.transition(ctx, t, e, StateRemediating, "user acknowledged")

	case FixCompleted:
		e, err := expect(l, StateRemediating)
		if err != nil {
			return err
		}
		return c.verify(ctx, t, e)

	case MarkedFalsePositive:
		e, err := expect(l, StateAwaitingUser, StateRemediating)
		if err != nil {
			return err
		}
		return c.falsePositive(ctx, t, e, ev.Reason)

	case Abandoned:
		e := l.Active()
		if e == nil {
			return fmt.Errorf("%w: no active emergency to abandon", ErrInvalidEvent)
		}
		reason := ev.Reason
		if reason == "" {
			reason = "abandoned by user"
		}
		e.record(c.now(), ActionAbandon, reason)
		if err := c.save(ctx); err != nil {
			return err
		}
		c.logger.Warn("emergency abandoned",
			zap.String("emergency.id", e.ID),
			zap.String("location", e.Location.String()),
		)
		return unresolved(e, reason)
	}

	return fmt.Errorf("%w: %T", ErrInvalidEvent, ev)
}

// Run drives the active and queued Emergencies to completion through the
// prompt channel. It returns nil once none is left, or an *UnresolvedError
// when the user abandons or the attempt cap is reached.
func (c *Controller) Run(ctx context.Context, t Target) error {
	l := t.Ledger()
	if l.Active() == nil {
		next := l.promote()
		if next == nil {
			return nil
		}
		if err := c.activate(ctx, t, next); err != nil {
			return err
		}
	} else if err := t.PauseForEmergency(c.now()); err != nil {
		return fmt.Errorf("failed to pause session: %w", err)
	}

	for {
		e := l.Active()
		if e == nil {
			return nil
		}

		var err error
		switch e.State {
		case StateIdle, StateDetected:
			err = c.activate(ctx, t, e)

		case StateAwaitingUser:
			if !c.briefed[e.ID] {
				if err := c.brief(ctx, l, e); err != nil {
					return err
				}
			}
			err = c.ask(ctx, t, e,
				fmt.Sprintf("Emergency at %s. Acknowledge and start remediation?", e.Location),
				[]string{ChoiceAcknowledge, ChoiceFalsePositive, ChoiceAbandon})

		case StateRemediating:
			err = c.ask(ctx, t, e,
				fmt.Sprintf("Revoke and remove the credential at %s, then choose done.", e.Location),
				[]string{ChoiceDone, ChoiceFalsePositive, ChoiceAbandon})

		case StateVerifying:
			err = c.verify(ctx, t, e)

		case StateResolved:
			err = c.advance(ctx, t)
		}
		if err != nil {
			return err
		}
	}
}

func (c *Controller) ask(ctx context.Context, t Target, e *Emergency, question string, options []string) error {
	choice, err := c.channel.AskChoice(ctx, question, options)
	if err != nil {
		return fmt.Errorf("emergency %s: %w", e.ID, err)
	}

	var ev Event
	switch choice {
	case ChoiceAcknowledge:
		ev = Acknowledged{}
	case ChoiceDone:
		ev = FixCompleted{}
	case ChoiceFalsePositive:
		ev = MarkedFalsePositive{Reason: "marked false positive by user"}
	default:
		ev = Abandoned{}
	}
	return c.Handle(ctx, t, ev)
}

func (c *Controller) detected(ctx context.Context, t Target, f *finding.Finding) error {
	if f == nil {
		return fmt.Errorf("%w: detected event without finding", ErrInvalidEvent)
	}
	if f.Severity != finding.SeverityP0 {
		return fmt.Errorf("%w: finding %s has severity %q, not P0", ErrInvalidEvent, f.ID, f.Severity)
	}

	l := t.Ledger()
	if l.ForFinding(f.ID) != nil {
		return nil
	}

	now := c.now()
	e := &Emergency{
		ID:         c.newID(),
		FindingID:  f.ID,
		PatternID:  f.PatternID,
		Location:   f.Location,
		Masked:     f.Masked,
		DetectedAt: now,
		State:      StateIdle,
		Resolution: ResolutionOpen,
		digest:     digestOf(f.Match),
	}
	l.Entries = append(l.Entries, e)

	if l.Active() != nil {
		l.Queue = append(l.Queue, e.ID)
		e.record(now, ActionQueued, fmt.Sprintf("queued behind %s", l.ActiveID))
		metrics.EmergencyQueueDepth.Set(float64(len(l.Queue)))
		c.logger.Info("emergency queued",
			zap.String("emergency.id", e.ID),
			zap.String("location", e.Location.String()),
			zap.Int("queue_depth", len(l.Queue)),
		)
		return c.save(ctx)
	}

	l.ActiveID = e.ID
	return c.activate(ctx, t, e)
}

// activate runs IDLE -> DETECTED -> AWAITING_USER for the active Emergency.
func (c *Controller) activate(ctx context.Context, t Target, e *Emergency) error {
	l := t.Ledger()
	metrics.EmergencyQueueDepth.Set(float64(len(l.Queue)))

	if err := t.PauseForEmergency(c.now()); err != nil {
		return fmt.Errorf("failed to pause session: %w", err)
	}
	if e.State != StateDetected {
		if err := c.transition(ctx, t, e, StateDetected, "P0 finding classified"); err != nil {
			return err
		}
	}
	if err := c.brief(ctx, l, e); err != nil {
		return err
	}
	return c.transition(ctx, t, e, StateAwaitingUser, "user briefed")
}

func (c *Controller) brief(ctx context.Context, l *Ledger, e *Emergency) error {
	b := Briefing{
		Emergency: e,
		Provider:  c.catalog.InferProvider(e.PatternID),
		Guard:     PreventionGuard(e.Location.Path),
		Queued:    len(l.Queue),
		History:   HistoryUnknown,
	}
	if c.tracker != nil {
		tracked, err := c.tracker.Tracked(e.Location.Path)
		switch {
		case err != nil:
			c.logger.Debug("commit history check failed", zap.String("path", e.Location.Path), zap.Error(err))
		case tracked:
			b.History = HistoryTracked
		default:
			b.History = HistoryUntracked
		}
	}

	if err := c.channel.Display(ctx, b.String()); err != nil {
		return fmt.Errorf("failed to display emergency briefing: %w", err)
	}
	c.briefed[e.ID] = true
	return nil
}

func (c *Controller) verify(ctx context.Context, t Target, e *Emergency) error {
	if e.State != StateVerifying {
		if err := c.transition(ctx, t, e, StateVerifying, "user reported fix complete"); err != nil {
			return err
		}
	}

	if e.digest == "" {
		if f, ok := t.Finding(e.FindingID); ok {
			e.digest = digestOf(f.Match)
		}
	}

	e.Attempts++
	c.runAttempts[e.ID]++
	present, err := c.verifier.StillPresent(ctx, e)
	if err != nil {
		e.record(c.now(), ActionVerifyError, err.Error())
		if terr := c.transition(ctx, t, e, StateRemediating, "verification could not run"); terr != nil {
			return terr
		}
		return fmt.Errorf("failed to verify emergency %s: %w", e.ID, err)
	}

	if present {
		e.record(c.now(), ActionAttempt, fmt.Sprintf("attempt %d: %s still matches at %s", e.Attempts, e.PatternID, e.Location.Path))
		if err := c.transition(ctx, t, e, StateRemediating, "pattern still matches"); err != nil {
			return err
		}
		if err := c.display(ctx, fmt.Sprintf("%s still matches in %s. Remove it and try again.", e.PatternID, e.Location.Path)); err != nil {
			return err
		}
		if c.maxAttempts > 0 && c.runAttempts[e.ID] >= c.maxAttempts {
			return unresolved(e, fmt.Sprintf("retry limit of %d reached", c.maxAttempts))
		}
		return nil
	}

	now := c.now()
	e.record(now, ActionAttempt, fmt.Sprintf("attempt %d: no match", e.Attempts))
	e.close(ResolutionResolved, now)
	if f, ok := t.Finding(e.FindingID); ok && f.Status == finding.StatusConfirmedReal {
		if err := f.Transition(finding.StatusResolved, "emergency resolved", now); err != nil {
			return err
		}
	}
	if err := c.transition(ctx, t, e, StateResolved, "scoped re-scan clean"); err != nil {
		return err
	}
	return c.advance(ctx, t)
}

func (c *Controller) falsePositive(ctx context.Context, t Target, e *Emergency, reason string) error {
	if reason == "" {
		reason = "marked false positive"
	}
	now := c.now()
	e.close(ResolutionFalsePositive, now)

	if f, ok := t.Finding(e.FindingID); ok {
		if f.Status == finding.StatusConfirmedReal {
			if err := f.Transition(finding.StatusConfirmedFalsePositive, reason, now); err != nil {
				return err
			}
		}
		f.Severity = finding.SeverityP2
		t.Suppress(f, reason, now)
	}
	if err := c.transition(ctx, t, e, StateResolved, reason); err != nil {
		return err
	}
	return c.advance(ctx, t)
}

// advance runs RESOLVED -> IDLE: the next queued Emergency is activated, or
// the session resumes.
func (c *Controller) advance(ctx context.Context, t Target) error {
	l := t.Ledger()
	l.ActiveID = ""

	if next := l.promote(); next != nil {
		return c.activate(ctx, t, next)
	}

	metrics.EmergencyQueueDepth.Set(0)
	if err := t.ResumeFromEmergency(c.now()); err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}
	c.logger.Info("all emergencies resolved, session resumed", zap.String("session.id", t.SessionID()))
	return c.save(ctx)
}

func (c *Controller) transition(ctx context.Context, t Target, e *Emergency, to State, note string) error {
	now := c.now()
	from := e.State
	e.enter(to, now, note)
	metrics.EmergencyTransitions.WithLabelValues(string(to)).Inc()

	c.logger.Info("emergency transition",
		zap.String("emergency.id", e.ID),
		zap.String("finding.id", e.FindingID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("location", e.Location.String()),
	)

	if err := c.notifier.Publish(ctx, notify.Event{
		Kind:      notify.KindEmergency,
		ProjectID: t.ProjectID(),
		SessionID: t.SessionID(),
		SubjectID: e.ID,
		State:     string(to),
		FindingID: e.FindingID,
		Location:  e.Location.String(),
		Detail:    note,
		At:        now,
	}); err != nil {
		c.logger.Warn("failed to publish emergency event", zap.Error(err))
	}

	return c.save(ctx)
}

func (c *Controller) display(ctx context.Context, text string) error {
	if err := c.channel.Display(ctx, text); err != nil {
		return fmt.Errorf("failed to display: %w", err)
	}
	return nil
}

func (c *Controller) save(ctx context.Context) error {
	if c.checkpoint == nil {
		return nil
	}
	if err := c.checkpoint(ctx); err != nil {
		return fmt.Errorf("failed to persist emergency state: %w", err)
	}
	return nil
}

func expect(l *Ledger, states ...State) (*Emergency, error) {
	e := l.Active()
	if e == nil {
		return nil, fmt.Errorf("%w: no active emergency", ErrInvalidEvent)
	}
	for _, s := range states {
		if e.State == s {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: emergency %s is %s", ErrInvalidEvent, e.ID, e.State)
}

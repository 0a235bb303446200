// Package orchestrator runs allocation policies end to end: validate, lock,
// gate, allocate, then simulate or commit, leaving exactly one execution
// record per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/allocation"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/gate"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/metrics"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/policy"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/store"
)

const (
	DefaultExecutionTimeout = 2 * time.Minute
	DefaultSourceOutlet     = "warehouse"
)

type Config struct {
	// LockTTL bounds how long a crashed run can block its policy. Locks are
	// never renewed, so it must outlive ExecutionTimeout; shorter values are
	// raised to ExecutionTimeout plus a minute.
	LockTTL             time.Duration
	ExecutionTimeout    time.Duration
	DefaultSourceOutlet string
	Logger              *log.Logger
	Now                 func() time.Time
}

type Orchestrator struct {
	store  store.Store
	gate   gate.Gate
	cfg    Config
	logger *log.Logger
	tracer trace.Tracer
}

func New(st store.Store, g gate.Gate, cfg Config) *Orchestrator {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.LockTTL <= cfg.ExecutionTimeout {
		cfg.LockTTL = cfg.ExecutionTimeout + time.Minute
	}
	if cfg.DefaultSourceOutlet == "" {
		cfg.DefaultSourceOutlet = DefaultSourceOutlet
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:  st,
		gate:   g,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("transfer-engine/orchestrator"),
	}
}

// ProductRequest is the working set for one product.
type ProductRequest struct {
	ProductID      string          `json:"productId"`
	TotalUnits     int             `json:"totalUnits"`
	SourceOutletID string          `json:"sourceOutletId,omitempty"`
	Signals        []models.Signal `json:"signals"`
}

// ExecuteRequest names a stored policy and the products to allocate. A
// single product may be given through the top level Signals and TotalUnits
// instead of Products.
type ExecuteRequest struct {
	PolicyID       string           `json:"policyId"`
	Products       []ProductRequest `json:"products,omitempty"`
	Signals        []models.Signal  `json:"signals,omitempty"`
	TotalUnits     int              `json:"totalUnits,omitempty"`
	SourceOutletID string           `json:"sourceOutletId,omitempty"`
	Simulation     bool             `json:"simulationMode"`
	RequestedBy    string           `json:"requestedBy,omitempty"`
}

type execution struct {
	rec     models.ExecutionRecord
	policy  models.Policy
	started time.Time
	span    trace.Span
}

// Execute performs one orchestrated run. The returned record is the final
// stored state; when err is non-nil the record has status failed, except
// for an unknown policy, where no record exists.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (models.ExecutionRecord, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("policy.id", req.PolicyID),
		attribute.Bool("simulation", req.Simulation),
	))
	defer span.End()

	p, err := o.store.GetPolicy(ctx, req.PolicyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load policy")
		return models.ExecutionRecord{}, fmt.Errorf("load policy %q: %w", req.PolicyID, err)
	}

	ex := &execution{
		policy:  p,
		started: o.cfg.Now(),
		span:    span,
	}
	ex.rec = models.ExecutionRecord{
		RunID:          uuid.New(),
		PolicyID:       p.ID,
		Status:         models.StatusPending,
		SimulationMode: req.Simulation,
		RequestedBy:    req.RequestedBy,
		CreatedAt:      ex.started,
	}
	span.SetAttributes(attribute.String("run.id", ex.rec.RunID.String()))
	if err := o.store.SaveExecution(ctx, ex.rec); err != nil {
		return models.ExecutionRecord{}, fmt.Errorf("create execution record: %w", err)
	}

	// From here on the run is ours to finish; the caller going away must
	// not leave a record behind in pending or running.
	bg := context.WithoutCancel(ctx)

	products, verr := o.prepare(p, req)
	if verr != nil {
		return o.fail(bg, ex, models.ErrorKindValidation, &ValidationError{Errors: verr})
	}

	owner := ex.rec.RunID.String()
	acquired, err := o.store.TryLock(bg, p.ID, owner, o.cfg.LockTTL)
	if err != nil {
		return o.fail(bg, ex, models.ErrorKindInternal, fmt.Errorf("acquire policy lock: %w", err))
	}
	if !acquired {
		metrics.RecordLockContention()
		return o.fail(bg, ex, models.ErrorKindConcurrency, ErrAlreadyRunning)
	}
	defer o.release(p.ID, owner)

	if req.Simulation {
		ex.rec.GateDecision = gate.MarshalDecision(gate.Decision{
			Allowed: true,
			Rule:    gate.RuleSimulationBypass,
			Reason:  "simulation performs no writes",
		})
	} else {
		decision, gerr := o.gate.CheckWritable(bg)
		ex.rec.GateDecision = gate.MarshalDecision(decision)
		if gerr != nil || !decision.Allowed {
			metrics.RecordGateRefusal(decision.Rule)
			return o.fail(bg, ex, models.ErrorKindGate, &GateRefusedError{Decision: decision, Cause: gerr})
		}
	}

	ex.rec.Status = models.StatusRunning
	if err := o.store.SaveExecution(bg, ex.rec); err != nil {
		return o.fail(bg, ex, models.ErrorKindInternal, fmt.Errorf("mark running: %w", err))
	}

	runCtx, cancel := context.WithTimeout(bg, o.cfg.ExecutionTimeout)
	defer cancel()
	return o.run(runCtx, bg, ex, products)
}

func (o *Orchestrator) run(ctx, bg context.Context, ex *execution, products []ProductRequest) (rec models.ExecutionRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, err = o.fail(bg, ex, models.ErrorKindInternal, fmt.Errorf("execution panicked: %v", r))
		}
	}()

	results := make([]models.AllocationResult, 0, len(products))
	var transfers []store.Transfer
	for _, pr := range products {
		if ctx.Err() != nil {
			return o.fail(bg, ex, models.ErrorKindTimeout, ErrTimeout)
		}
		res, err := allocation.Allocate(ex.policy, pr.Signals, pr.TotalUnits)
		if err != nil {
			return o.fail(bg, ex, models.ErrorKindInternal, fmt.Errorf("allocate %s: %w", pr.ProductID, err))
		}
		if !res.Converged {
			metrics.RecordNonConverged()
		}
		results = append(results, res)
		for _, a := range res.Allocations {
			if a.AllocatedUnits > 0 {
				transfers = append(transfers, store.Transfer{
					ProductID:    res.ProductID,
					FromOutletID: pr.SourceOutletID,
					ToOutletID:   a.OutletID,
					Units:        a.AllocatedUnits,
				})
			}
		}
	}
	summarize(&ex.rec, results)

	if !ex.rec.SimulationMode {
		if _, err := o.store.CommitAllocations(ctx, store.CommitInput{RunID: ex.rec.RunID, Transfers: transfers}); err != nil {
			ex.rec.OutletsUpdated = 0
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return o.fail(bg, ex, models.ErrorKindTimeout, ErrTimeout)
			}
			return o.fail(bg, ex, models.ErrorKindCommit, &CommitError{Cause: err})
		}
	}
	return o.complete(bg, ex)
}

// prepare validates the stored policy and the working set, resolving the
// source outlet of each product.
func (o *Orchestrator) prepare(p models.Policy, req ExecuteRequest) ([]ProductRequest, policy.ValidationErrors) {
	var errs policy.ValidationErrors
	if _, err := policy.Validate(policy.FromPolicy(p)); err != nil {
		var verrs policy.ValidationErrors
		if errors.As(err, &verrs) {
			errs = append(errs, verrs...)
		} else {
			errs = append(errs, policy.FieldError{Field: "policy", Message: err.Error()})
		}
	}
	if !p.IsActive {
		errs = append(errs, policy.FieldError{Field: "policy", Message: "policy is not active"})
	}

	products := req.Products
	prefix := "products[%d]."
	if len(products) == 0 {
		products = []ProductRequest{{
			TotalUnits:     req.TotalUnits,
			SourceOutletID: req.SourceOutletID,
			Signals:        req.Signals,
		}}
		prefix = ""
	}

	out := make([]ProductRequest, 0, len(products))
	seen := make(map[string]int, len(products))
	for i, pr := range products {
		field := prefix
		if prefix != "" {
			field = fmt.Sprintf(prefix, i)
		}
		if err := policy.ValidateRequest(pr.Signals, pr.TotalUnits); err != nil {
			var verrs policy.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					errs = append(errs, policy.FieldError{Field: field + fe.Field, Message: fe.Message})
				}
			}
			continue
		}
		productID := pr.ProductID
		for j, s := range pr.Signals {
			if productID == "" {
				productID = s.ProductID
			}
			if s.ProductID != productID {
				errs = append(errs, policy.FieldError{
					Field:   fmt.Sprintf("%ssignals[%d].productId", field, j),
					Message: fmt.Sprintf("must be %q", productID),
				})
			}
		}
		if first, dup := seen[productID]; dup {
			errs = append(errs, policy.FieldError{
				Field:   field + "productId",
				Message: fmt.Sprintf("duplicate of products[%d]", first),
			})
		}
		seen[productID] = i

		source := strings.TrimSpace(pr.SourceOutletID)
		if source == "" {
			source = o.cfg.DefaultSourceOutlet
		}
		for j, s := range pr.Signals {
			if s.OutletID == source {
				errs = append(errs, policy.FieldError{
					Field:   fmt.Sprintf("%ssignals[%d].outletId", field, j),
					Message: fmt.Sprintf("must differ from source outlet %q", source),
				})
			}
		}
		out = append(out, ProductRequest{
			ProductID:      productID,
			TotalUnits:     pr.TotalUnits,
			SourceOutletID: source,
			Signals:        pr.Signals,
		})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func summarize(rec *models.ExecutionRecord, results []models.AllocationResult) {
	outlets := make(map[string]struct{})
	rec.Allocations = results
	rec.ProductsProcessed = len(results)
	rec.Warnings = nil
	for _, r := range results {
		rec.UnitsRequested += r.TotalRequested
		rec.UnitsAllocated += r.TotalAllocated
		rec.UnitsUnallocated += r.Unallocated
		if !r.Converged {
			rec.ReviewRequired = true
		}
		for _, w := range r.Warnings {
			rec.Warnings = append(rec.Warnings, r.ProductID+": "+w)
		}
		for _, a := range r.Allocations {
			if a.AllocatedUnits > 0 {
				outlets[a.OutletID] = struct{}{}
			}
		}
	}
	rec.OutletsUpdated = len(outlets)
}

func (o *Orchestrator) complete(ctx context.Context, ex *execution) (models.ExecutionRecord, error) {
	o.finish(ex, models.StatusCompleted)
	if err := o.store.SaveExecution(ctx, ex.rec); err != nil {
		ex.span.RecordError(err)
		o.logger.Printf("run %s: finalize record: %v", ex.rec.RunID, err)
		return ex.rec, fmt.Errorf("finalize execution %s: %w", ex.rec.RunID, err)
	}
	if ex.policy.LoggingEnabled {
		o.logger.Printf("run %s policy=%s mode=%s completed products=%d outlets=%d allocated=%d/%d unallocated=%d review=%t in %.3fs",
			ex.rec.RunID, ex.policy.ID, modeOf(ex.rec), ex.rec.ProductsProcessed, ex.rec.OutletsUpdated,
			ex.rec.UnitsAllocated, ex.rec.UnitsRequested, ex.rec.UnitsUnallocated, ex.rec.ReviewRequired,
			ex.rec.ExecutionDurationSeconds)
	}
	metrics.RecordUnits(ex.rec.UnitsAllocated, ex.rec.UnitsUnallocated)
	ex.span.SetAttributes(
		attribute.Int("units.allocated", ex.rec.UnitsAllocated),
		attribute.Int("units.unallocated", ex.rec.UnitsUnallocated),
		attribute.Bool("review.required", ex.rec.ReviewRequired),
	)
	return ex.rec, nil
}

// fail finalizes the record as failed and returns cause to the caller.
func (o *Orchestrator) fail(ctx context.Context, ex *execution, kind models.ErrorKind, cause error) (models.ExecutionRecord, error) {
	msg := cause.Error()
	ex.rec.ErrorKind = kind
	ex.rec.ErrorMessage = &msg
	o.finish(ex, models.StatusFailed)
	ex.span.RecordError(cause)
	ex.span.SetStatus(codes.Error, string(kind))
	o.logger.Printf("run %s policy=%s mode=%s failed (%s): %s", ex.rec.RunID, ex.policy.ID, modeOf(ex.rec), kind, msg)
	if err := o.store.SaveExecution(ctx, ex.rec); err != nil {
		o.logger.Printf("run %s: record failure: %v", ex.rec.RunID, err)
	}
	return ex.rec, cause
}

func (o *Orchestrator) finish(ex *execution, status models.ExecutionStatus) {
	now := o.cfg.Now()
	ex.rec.Status = status
	ex.rec.CompletedAt = &now
	ex.rec.ExecutionDurationSeconds = now.Sub(ex.started).Seconds()
	metrics.RecordExecution(string(status), string(ex.rec.ErrorKind), ex.rec.SimulationMode, now.Sub(ex.started))
}

func (o *Orchestrator) release(policyID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.Unlock(ctx, policyID, owner); err != nil {
		o.logger.Printf("release lock for policy %s: %v", policyID, err)
	}
}

func modeOf(rec models.ExecutionRecord) string {
	if rec.SimulationMode {
		return "simulation"
	}
	return "live"
}

// Simulate previews an allocation for an inline policy. Nothing is stored.
func (o *Orchestrator) Simulate(ctx context.Context, raw policy.RawPolicy, signals []models.Signal, totalUnits int) (models.AllocationResult, error) {
	_, span := o.tracer.Start(ctx, "orchestrator.Simulate")
	defer span.End()

	var errs policy.ValidationErrors
	p, err := policy.Validate(raw)
	if err != nil {
		if !errors.As(err, &errs) {
			return models.AllocationResult{}, err
		}
	}
	if err := policy.ValidateRequest(signals, totalUnits); err != nil {
		var verrs policy.ValidationErrors
		if errors.As(err, &verrs) {
			errs = append(errs, verrs...)
		}
	}
	if len(errs) > 0 {
		span.SetStatus(codes.Error, "validation")
		return models.AllocationResult{}, &ValidationError{Errors: errs}
	}
	res, err := allocation.Allocate(p, signals, totalUnits)
	if err != nil {
		if errors.Is(err, allocation.ErrMixedProducts) {
			return models.AllocationResult{}, &ValidationError{Errors: policy.ValidationErrors{{Field: "signals", Message: err.Error()}}}
		}
		return models.AllocationResult{}, err
	}
	return res, nil
}

// Recent returns the newest execution records first.
func (o *Orchestrator) Recent(ctx context.Context, limit int) ([]models.ExecutionRecord, error) {
	recs, err := o.store.RecentExecutions(ctx, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

func (o *Orchestrator) Get(ctx context.Context, runID uuid.UUID) (models.ExecutionRecord, error) {
	return o.store.GetExecution(ctx, runID)
}

// recovery orchestrates the rescue of an EC2 instance whose root volume must
// be repaired offline.
//
// The root volume is moved to a temporary rescue instance, remediated there,
// then moved back to its original instance at its original mount-point. Every
// completed step is journaled so an interrupted run can be resumed or rolled
// back later. A failure once the volume has left its instance always ends
// with an attempt to return it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chainguard-dev/ec2-rescue/internal/ec2"
	"github.com/chainguard-dev/ec2-rescue/internal/journal"
	"github.com/chainguard-dev/ec2-rescue/internal/log"
	"github.com/chainguard-dev/ec2-rescue/internal/o11y"
	"github.com/chainguard-dev/ec2-rescue/internal/remediate"
)

var (
	ErrRollback        = fmt.Errorf("rollback did not complete, run rollback again once the cause is fixed")
	ErrJournal         = fmt.Errorf("failed to journal recovery progress")
	ErrTargetState     = fmt.Errorf("target instance cannot be recovered in its current state")
	ErrNoMappedDevice  = fmt.Errorf("target instance has no mapped EBS device")
	ErrNoRescueAddress = fmt.Errorf("rescue instance has no public address")
)

// StepError names the step a recovery failed at.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result summarizes a recovery, successful or not.
type Result struct {
	RunID      string
	Completed  []string
	RescueID   string
	VolumeID   string
	MountPoint string

	// Warnings are failures which did not stop the recovery, ex: a security
	// group which could not be deleted.
	Warnings []error

	Resumed    bool
	RolledBack bool
}

// ReachableFunc blocks until 'host' accepts connections on 'port'.
type ReachableFunc func(ctx context.Context, host string, port uint16) error

type Option func(*Workflow)

// WithReachabilityCheck replaces the SSH reachability wait preceding
// remediation.
func WithReachabilityCheck(fn ReachableFunc) Option {
	return func(w *Workflow) {
		w.reachable = fn
	}
}

// Workflow recovers the instance named by its Config.
type Workflow struct {
	client    *ec2.Client
	runner    remediate.Runner
	journal   journal.Journal
	cfg       Config
	reachable ReachableFunc
}

// New returns a Workflow. A nil journal keeps progress in memory only.
func New(client *ec2.Client, runner remediate.Runner, j journal.Journal, cfg Config, opts ...Option) *Workflow {
	cfg.applyDefaults()
	if j == nil {
		j = journal.NewMemory()
	}
	w := &Workflow{
		client:    client,
		runner:    runner,
		journal:   j,
		cfg:       cfg,
		reachable: remediate.WaitReachable,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run recovers the target instance, resuming a journaled session for it when
// one exists.
func (w *Workflow) Run(ctx context.Context) (_ *Result, err error) {
	if err := w.cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid recovery configuration: %w", err)
	}
	r, err := w.open(ctx, w.cfg.TargetID, true)
	if err != nil {
		return nil, err
	}
	if r.sess.RollingBack {
		if err := r.finishRollback(ctx); err != nil {
			return r.result, err
		}
		warnings := r.result.Warnings
		if r, err = w.open(ctx, w.cfg.TargetID, true); err != nil {
			return nil, err
		}
		r.result.Warnings = warnings
	}

	ctx = log.ForRun(ctx, r.sess.TargetID, r.sess.RunID)
	ctx, span := o11y.StartSpan(ctx, "recover",
		attribute.String(o11y.AttrTargetID, r.sess.TargetID),
		attribute.String(o11y.AttrRunID, r.sess.RunID),
	)
	defer func() { o11y.EndSpan(span, err) }()

	if r.result.Resumed {
		log.Info(ctx, "resuming journaled recovery", "last_step", r.sess.Last())
	} else {
		log.Info(ctx, "recovering instance")
	}

	for _, s := range r.steps() {
		if err := r.step(ctx, s); err != nil {
			return r.result, r.fail(ctx, err)
		}
	}

	if err := w.journal.Delete(ctx, r.sess.TargetID); err != nil {
		r.warn(ctx, fmt.Errorf("%w: %w", ErrJournal, err))
	}
	log.Info(ctx, "instance recovered",
		"volume", r.sess.VolumeID,
		"mount_point", r.sess.MountPoint,
		"warnings", len(r.result.Warnings),
	)
	return r.result, nil
}

// Rollback returns the volume of a journaled recovery of 'targetID' to its
// instance and removes the rescue resources. It is safe to repeat.
func (w *Workflow) Rollback(ctx context.Context, targetID string) (_ *Result, err error) {
	r, err := w.open(ctx, targetID, false)
	if err != nil {
		return nil, err
	}
	ctx = log.ForRun(ctx, targetID, r.sess.RunID)
	ctx, span := o11y.StartSpan(ctx, "rollback",
		attribute.String(o11y.AttrTargetID, targetID),
		attribute.String(o11y.AttrRunID, r.sess.RunID),
	)
	defer func() { o11y.EndSpan(span, err) }()

	log.Info(ctx, "rolling back journaled recovery", "last_step", r.sess.Last())
	r.sess.RollingBack = true
	r.save(ctx)
	if err := r.rollback(ctx); err != nil {
		r.sess.LastError = err.Error()
		r.save(ctx)
		return r.result, fmt.Errorf("%w: %w", ErrRollback, err)
	}
	r.result.RolledBack = true
	if err := w.journal.Delete(ctx, targetID); err != nil {
		r.warn(ctx, fmt.Errorf("%w: %w", ErrJournal, err))
	}
	log.Info(ctx, "rollback complete")
	return r.result, nil
}

// finishRollback completes the rollback of a run which failed and could not
// unwind, then drops its session. Its steps no longer say where the volume is,
// so it is never resumed.
func (r *run) finishRollback(ctx context.Context) (err error) {
	ctx = log.ForRun(ctx, r.sess.TargetID, r.sess.RunID)
	ctx, span := o11y.StartSpan(ctx, "rollback",
		attribute.String(o11y.AttrTargetID, r.sess.TargetID),
		attribute.String(o11y.AttrRunID, r.sess.RunID),
	)
	defer func() { o11y.EndSpan(span, err) }()

	log.Warn(ctx, "journaled recovery was rolling back, finishing its rollback first",
		"last_step", r.sess.Last(),
		"last_error", r.sess.LastError,
	)
	if err := r.rollback(ctx); err != nil {
		r.sess.LastError = err.Error()
		r.save(ctx)
		return fmt.Errorf("%w: %w", ErrRollback, err)
	}
	if err := r.journal.Delete(ctx, r.sess.TargetID); err != nil {
		return fmt.Errorf("%w: %w", ErrJournal, err)
	}
	log.Info(ctx, "rollback complete, starting a new recovery")
	return nil
}

// open loads the journaled session for 'targetID', or starts a new one when
// 'create' is set.
func (w *Workflow) open(ctx context.Context, targetID string, create bool) (*run, error) {
	sess, err := w.journal.Load(ctx, targetID)
	resumed := err == nil
	switch {
	case err == nil:
	case errors.Is(err, journal.ErrNotFound) && create:
		groupName := w.cfg.AccessGroupName
		if groupName == "" {
			groupName = ec2.DefaultAccessGroupName
		}
		sess = &journal.Session{
			TargetID:        targetID,
			RunID:           uuid.NewString(),
			AccessGroupName: groupName,
		}
	default:
		return nil, err
	}
	return &run{
		Workflow: w,
		sess:     sess,
		result: &Result{
			RunID:      sess.RunID,
			Completed:  slices.Clone(sess.Completed),
			RescueID:   sess.RescueID,
			VolumeID:   sess.VolumeID,
			MountPoint: sess.MountPoint,
			Resumed:    resumed,
		},
	}, nil
}

// run is the state of a single Run or Rollback.
type run struct {
	*Workflow

	sess     *journal.Session
	result   *Result
	teardown stack

	target *ec2.Instance
	rescue *ec2.Instance
	group  *ec2.AccessGroup
	volume *ec2.Volume

	restartBound bool
}

func (r *run) step(ctx context.Context, s step) error {
	ctx = log.ForStep(ctx, s.name)
	if r.sess.Done(s.name) {
		if s.rebind == nil {
			return nil
		}
		log.Debug(ctx, "step already completed, rebinding")
		if err := s.rebind(ctx); err != nil {
			return &StepError{Step: s.name, Err: err}
		}
		return nil
	}

	ctx, span := o11y.StartSpan(ctx, s.name, attribute.String(o11y.AttrStep, s.name))
	log.Info(ctx, "running step")
	err := s.do(ctx)
	span.SetAttributes(r.resourceAttrs()...)
	o11y.EndSpan(span, err)
	if err != nil {
		return &StepError{Step: s.name, Err: err}
	}

	r.sess.Complete(s.name)
	r.result.Completed = append(r.result.Completed, s.name)
	r.save(ctx)
	return nil
}

// resourceAttrs names the rescue resources bound so far.
func (r *run) resourceAttrs() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if r.sess.RescueID != "" {
		attrs = append(attrs, attribute.String(o11y.AttrRescueID, r.sess.RescueID))
	}
	if r.sess.VolumeID != "" {
		attrs = append(attrs, attribute.String(o11y.AttrVolumeID, r.sess.VolumeID))
	}
	return attrs
}

// fail unwinds after 'err' and returns the error to report.
//
// Before the volume left the target only the rescue resources are removed.
// From then on the volume is first returned to the target. The unwind runs
// on its own deadline, so a canceled run still cleans up.
func (r *run) fail(ctx context.Context, err error) error {
	log.Error(ctx, "recovery failed", "error", err)
	r.sess.LastError = err.Error()
	r.sess.RollingBack = true
	r.save(ctx)

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RollbackTimeout)
	defer cancel()

	var unwindErr error
	var stepErr *StepError
	if errors.As(err, &stepErr) && movesVolume(stepErr.Step) || r.sess.Done(StepDetachFromTarget) {
		log.Info(uctx, "rolling back, returning the volume to the target")
		unwindErr = r.rollback(uctx)
		r.result.RolledBack = unwindErr == nil
	} else {
		log.Info(uctx, "tearing down rescue resources")
		unwindErr = r.teardown.Destroy(uctx)
	}
	if unwindErr != nil {
		log.Error(uctx, "unwinding failed, the journaled session is kept", "error", unwindErr)
		r.sess.LastError = errors.Join(err, unwindErr).Error()
		r.save(uctx)
		return errors.Join(err, fmt.Errorf("%w: %w", ErrRollback, unwindErr))
	}
	if derr := r.journal.Delete(uctx, r.sess.TargetID); derr != nil {
		r.warn(uctx, fmt.Errorf("%w: %w", ErrJournal, derr))
	}
	return err
}

func (r *run) save(ctx context.Context) {
	if err := r.journal.Save(ctx, r.sess); err != nil {
		r.warn(ctx, fmt.Errorf("%w: %w", ErrJournal, err))
	}
}

// warn records a non-fatal failure. Cleanup failures were already logged
// where they happened.
func (r *run) warn(ctx context.Context, err error) {
	if !errors.Is(err, ec2.ErrCleanup) {
		log.Warn(ctx, "continuing despite error", "error", err)
	}
	r.result.Warnings = append(r.result.Warnings, err)
}

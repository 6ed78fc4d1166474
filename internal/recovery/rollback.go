package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/chainguard-dev/ec2-rescue/internal/ec2"
	"github.com/chainguard-dev/ec2-rescue/internal/log"
)

// rollback returns the volume to the target at its original mount-point,
// then tears down the rescue resources.
//
// Where the volume is comes from EC2, never from the journal: the journal
// may lag behind a step that was interrupted half way. When the volume cannot
// be returned the rescue instance is kept so the rollback can be retried.
func (r *run) rollback(ctx context.Context) error {
	if err := r.bindRecorded(ctx); err != nil {
		return err
	}
	if r.volume != nil {
		if err := r.restoreVolume(ctx); err != nil {
			return fmt.Errorf("returning volume %s to %s: %w", r.volume.ID(), r.sess.TargetID, err)
		}
	}
	return r.teardown.Destroy(ctx)
}

// bindRecorded binds every resource the session recorded which this run has
// no handle for yet.
func (r *run) bindRecorded(ctx context.Context) error {
	if r.target == nil {
		if err := r.rebindTarget(ctx); err != nil {
			return err
		}
	}
	if r.group == nil && r.sess.AccessGroupID != "" {
		if err := r.rebindAccessGroup(ctx); err != nil {
			return err
		}
	}
	if r.rescue == nil && r.sess.RescueID != "" {
		if err := r.rebindRescue(ctx); err != nil {
			if !errors.Is(err, ec2.ErrInstanceNotFound) {
				return err
			}
			log.Warn(ctx, "journaled rescue instance no longer exists", "rescue", r.sess.RescueID)
		}
	}
	if r.volume == nil && r.sess.VolumeID != "" {
		if err := r.rebindVolume(ctx); err != nil {
			return err
		}
	}
	if r.sess.Done(StepStopTarget) && !r.restartBound {
		return r.rebindStopTarget(ctx)
	}
	return nil
}

func (r *run) restoreVolume(ctx context.Context) error {
	if err := r.settle(ctx); err != nil {
		return err
	}
	a, attached := r.volume.Attachment()
	if attached && a.InstanceID == r.target.ID() {
		log.Info(ctx, "volume is attached to the target", "volume", r.volume.ID(), "device", a.Device)
		return nil
	}

	if attached {
		if r.rescue != nil && a.InstanceID == r.rescue.ID() {
			// Detaching a mounted volume from a running instance can hang.
			if err := r.stopRescue(ctx); err != nil {
				return err
			}
		}
		if err := r.volume.Detach(ctx, a.InstanceID, a.Device); err != nil {
			return err
		}
	}
	return r.volume.Attach(ctx, r.target.ID(), r.sess.MountPoint)
}

func (r *run) stopRescue(ctx context.Context) error {
	if err := r.rescue.Refresh(ctx); err != nil {
		return err
	}
	switch r.rescue.State() {
	case types.InstanceStateNameStopped, types.InstanceStateNameTerminated, types.InstanceStateNameShuttingDown:
		return nil
	}
	return r.rescue.Stop(ctx)
}

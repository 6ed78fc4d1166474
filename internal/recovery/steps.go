package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/chainguard-dev/ec2-rescue/internal/ec2"
	"github.com/chainguard-dev/ec2-rescue/internal/log"
	"github.com/chainguard-dev/ec2-rescue/internal/poll"
	"github.com/chainguard-dev/ec2-rescue/internal/remediate"
)

// Steps, in the order a recovery runs them.
const (
	StepBindTarget        = "bind-target"
	StepAccessGroup       = "access-group"
	StepLaunchRescue      = "launch-rescue"
	StepStopTarget        = "stop-target"
	StepResolveVolume     = "resolve-volume"
	StepDetachFromTarget  = "detach-from-target"
	StepAttachToRescue    = "attach-to-rescue"
	StepRemediate         = "remediate"
	StepStopRescue        = "stop-rescue"
	StepDetachFromRescue  = "detach-from-rescue"
	StepReattachToTarget  = "reattach-to-target"
	StepTerminateRescue   = "terminate-rescue"
	StepDeleteAccessGroup = "delete-access-group"
	StepStartTarget       = "start-target"
)

// Steps lists every step in execution order.
var Steps = []string{
	StepBindTarget,
	StepAccessGroup,
	StepLaunchRescue,
	StepStopTarget,
	StepResolveVolume,
	StepDetachFromTarget,
	StepAttachToRescue,
	StepRemediate,
	StepStopRescue,
	StepDetachFromRescue,
	StepReattachToTarget,
	StepTerminateRescue,
	StepDeleteAccessGroup,
	StepStartTarget,
}

// movesVolume reports whether a failure at 'name' may leave the volume away
// from the target.
func movesVolume(name string) bool {
	return slices.Index(Steps, name) >= slices.Index(Steps, StepDetachFromTarget)
}

type step struct {
	name string
	do   func(ctx context.Context) error

	// rebind restores the handles and teardown of an already completed step
	// when a journaled run is resumed.
	rebind func(ctx context.Context) error
}

func (r *run) steps() []step {
	steps := []step{
		{name: StepBindTarget, do: r.bindTarget, rebind: r.rebindTarget},
		{name: StepAccessGroup, do: r.createAccessGroup, rebind: r.rebindAccessGroup},
		{name: StepLaunchRescue, do: r.launchRescue, rebind: r.rebindRescue},
		{name: StepStopTarget, do: r.stopTarget, rebind: r.rebindStopTarget},
		{name: StepResolveVolume, do: r.resolveVolume, rebind: r.rebindVolume},
		{name: StepDetachFromTarget, do: func(ctx context.Context) error {
			return r.detach(ctx, r.target.ID(), r.sess.MountPoint)
		}},
		{name: StepAttachToRescue, do: func(ctx context.Context) error {
			r.sess.RescueDevice = r.cfg.RescueDevice
			r.save(ctx)
			return r.attach(ctx, r.rescue.ID(), r.sess.RescueDevice)
		}},
		{name: StepRemediate, do: r.remediate},
		{name: StepStopRescue, do: func(ctx context.Context) error {
			return r.rescue.Stop(ctx)
		}},
		{name: StepDetachFromRescue, do: func(ctx context.Context) error {
			return r.detach(ctx, r.rescue.ID(), r.sess.RescueDevice)
		}},
		{name: StepReattachToTarget, do: func(ctx context.Context) error {
			return r.attach(ctx, r.target.ID(), r.sess.MountPoint)
		}},
		{name: StepTerminateRescue, do: r.terminateRescue},
		{name: StepDeleteAccessGroup, do: r.deleteAccessGroup},
	}
	if r.cfg.StartTarget {
		steps = append(steps, step{name: StepStartTarget, do: r.startTarget})
	}
	return steps
}

func (r *run) bindTarget(ctx context.Context) error {
	if err := r.rebindTarget(ctx); err != nil {
		return err
	}
	switch r.target.State() {
	case types.InstanceStateNameTerminated, types.InstanceStateNameShuttingDown:
		return fmt.Errorf("%w: %s is %q", ErrTargetState, r.target.ID(), r.target.State())
	}
	r.sess.TargetWasRunning = r.target.State() == types.InstanceStateNameRunning
	log.Info(ctx, "bound target instance",
		"state", r.target.State(),
		"vpc", r.target.VPCID(),
		"subnet", r.target.SubnetID(),
	)
	return nil
}

func (r *run) rebindTarget(ctx context.Context) error {
	target, err := r.client.GetInstance(ctx, r.sess.TargetID)
	if err != nil {
		return err
	}
	r.target = target
	return nil
}

func (r *run) createAccessGroup(ctx context.Context) error {
	r.group = r.client.AccessGroup(r.sess.AccessGroupName, r.accessGroupOptions())
	err := r.group.Create(ctx)
	if r.group.ID() != "" {
		// A group whose ingress rule was rejected still exists.
		r.sess.AccessGroupID = r.group.ID()
		r.teardown.Push(r.deleteAccessGroup)
	}
	return err
}

func (r *run) rebindAccessGroup(_ context.Context) error {
	r.group = r.client.AccessGroup(r.sess.AccessGroupName, r.accessGroupOptions())
	r.group.Bind(r.sess.AccessGroupID)
	r.teardown.Push(r.deleteAccessGroup)
	return nil
}

func (r *run) accessGroupOptions() ec2.AccessGroupOptions {
	opts := ec2.AccessGroupOptions{
		Port:         int32(r.cfg.SSHPort),
		AddrEndpoint: r.cfg.AddrEndpoint,
		FallbackCIDR: r.cfg.FallbackCIDR,
		HTTPClient:   r.cfg.HTTPClient,
		Tags:         ec2.RunTags(r.sess.RunID, r.sess.TargetID),
	}
	if r.target != nil {
		opts.VPCID = r.target.VPCID()
	}
	return opts
}

// deleteAccessGroup never fails the run: an undeletable group is left behind
// with a warning.
func (r *run) deleteAccessGroup(ctx context.Context) error {
	if r.group == nil {
		return nil
	}
	if err := r.group.Delete(ctx); err != nil {
		r.warn(ctx, err)
	}
	return nil
}

func (r *run) launchRescue(ctx context.Context) error {
	if r.sess.RescueID != "" {
		if adopted, err := r.adoptRescue(ctx); adopted || err != nil {
			return err
		}
	}
	_, err := r.client.CreateInstance(ctx, ec2.LaunchOptions{
		ImageID:          r.cfg.ImageID,
		InstanceType:     r.cfg.InstanceType,
		KeyName:          r.cfg.KeyName,
		SecurityGroupIDs: []string{r.group.ID()},
		SubnetID:         r.target.SubnetID(),
		Name:             "ec2-rescue-" + r.sess.TargetID,
		Tags:             ec2.RunTags(r.sess.RunID, r.sess.TargetID),
		// Journaled before the wait, so an interrupted launch is not orphaned.
		Launched: func(rescue *ec2.Instance) { r.bindRescue(ctx, rescue) },
	})
	return err
}

// adoptRescue takes over the rescue instance an interrupted run launched
// before its launch step completed. It reports false when that instance is
// gone and another has to be launched.
func (r *run) adoptRescue(ctx context.Context) (bool, error) {
	rescue, err := r.client.GetInstance(ctx, r.sess.RescueID)
	switch {
	case errors.Is(err, ec2.ErrInstanceNotFound):
		log.Warn(ctx, "journaled rescue instance no longer exists, launching another", "rescue", r.sess.RescueID)
		return false, nil
	case err != nil:
		return false, err
	}
	switch rescue.State() {
	case types.InstanceStateNameTerminated, types.InstanceStateNameShuttingDown:
		log.Warn(ctx, "journaled rescue instance is terminated, launching another", "rescue", rescue.ID())
		return false, nil
	}

	log.Info(ctx, "adopting rescue instance of the interrupted run", "rescue", rescue.ID(), "state", rescue.State())
	r.bindRescue(ctx, rescue)
	switch rescue.State() {
	case types.InstanceStateNamePending, types.InstanceStateNameRunning:
		err = rescue.AwaitRunning(ctx)
	default:
		err = rescue.Start(ctx)
	}
	if err != nil {
		return true, err
	}
	return true, rescue.Tag(ctx, ec2.RunTags(r.sess.RunID, r.sess.TargetID))
}

func (r *run) rebindRescue(ctx context.Context) error {
	rescue, err := r.client.GetInstance(ctx, r.sess.RescueID)
	if err != nil {
		return err
	}
	r.bindRescue(ctx, rescue)
	return nil
}

func (r *run) bindRescue(ctx context.Context, rescue *ec2.Instance) {
	r.rescue = rescue
	r.sess.RescueID = rescue.ID()
	r.result.RescueID = rescue.ID()
	r.save(ctx)
	r.teardown.Push(r.terminateRescue)
}

func (r *run) terminateRescue(ctx context.Context) error {
	if r.rescue == nil {
		return nil
	}
	if err := r.rescue.Terminate(ctx); err != nil && !errors.Is(err, ec2.ErrInstanceInvalidated) {
		return err
	}
	return nil
}

func (r *run) stopTarget(ctx context.Context) error {
	if err := r.target.Stop(ctx); err != nil {
		return err
	}
	return r.rebindStopTarget(ctx)
}

func (r *run) rebindStopTarget(_ context.Context) error {
	r.restartBound = true
	if r.cfg.StartTarget && r.sess.TargetWasRunning {
		r.teardown.Push(r.startTarget)
	}
	return nil
}

func (r *run) startTarget(ctx context.Context) error {
	if !r.sess.TargetWasRunning {
		log.Info(ctx, "target was not running before recovery, leaving it stopped")
		return nil
	}
	return r.target.Start(ctx)
}

// resolveVolume selects the volume to repair: the one mapped at the first
// device, which is the root device whenever the instance has one.
func (r *run) resolveVolume(ctx context.Context) error {
	if err := r.target.Refresh(ctx); err != nil {
		return err
	}
	devices := r.target.MappedDevices()
	if len(devices) == 0 {
		return fmt.Errorf("%w: %s", ErrNoMappedDevice, r.target.ID())
	}
	volume, err := r.target.Volume(ctx, devices[0])
	if err != nil {
		return err
	}
	r.bindVolume(volume, devices[0])
	log.Info(ctx, "resolved volume to repair", "volume", volume.ID(), "mount_point", devices[0])
	return nil
}

func (r *run) rebindVolume(ctx context.Context) error {
	volume, err := r.client.GetVolume(ctx, r.sess.VolumeID)
	if err != nil {
		return err
	}
	r.bindVolume(volume, r.sess.MountPoint)
	return nil
}

func (r *run) bindVolume(volume *ec2.Volume, mountPoint string) {
	r.volume = volume
	r.sess.VolumeID = volume.ID()
	r.sess.MountPoint = mountPoint
	r.result.VolumeID = volume.ID()
	r.result.MountPoint = mountPoint
}

// detach moves the volume off 'instanceID'. A volume already detached is
// left alone so an interrupted step can be repeated.
func (r *run) detach(ctx context.Context, instanceID, device string) error {
	if err := r.settle(ctx); err != nil {
		return err
	}
	if _, attached := r.volume.Attachment(); !attached && r.volume.State() == types.VolumeStateAvailable {
		log.Info(ctx, "volume already detached", "volume", r.volume.ID())
		return nil
	}
	return r.volume.Detach(ctx, instanceID, device)
}

// attach moves the volume onto 'instanceID' at 'device'. A volume already
// attached there is left alone so an interrupted step can be repeated.
func (r *run) attach(ctx context.Context, instanceID, device string) error {
	if err := r.settle(ctx); err != nil {
		return err
	}
	if a, attached := r.volume.Attachment(); attached && a.InstanceID == instanceID && a.Device == device {
		log.Info(ctx, "volume already attached", "volume", r.volume.ID(), "instance", instanceID, "device", device)
		return nil
	}
	return r.volume.Attach(ctx, instanceID, device)
}

// settle refreshes the volume and waits out an attachment still in motion.
func (r *run) settle(ctx context.Context) error {
	if err := r.volume.Refresh(ctx); err != nil {
		return err
	}
	a, attached := r.volume.Attachment()
	if !attached {
		return nil
	}
	switch a.State {
	case types.VolumeAttachmentStateAttaching:
		log.Info(ctx, "waiting for volume attachment to settle", "volume", r.volume.ID(), "attachment", a.State)
		return r.volume.AwaitAttached(ctx)
	case types.VolumeAttachmentStateDetaching:
		log.Info(ctx, "waiting for volume attachment to settle", "volume", r.volume.ID(), "attachment", a.State)
		return poll.Until(ctx, r.client.Wait, r.volume, types.VolumeStateAvailable)
	}
	return nil
}

func (r *run) remediate(ctx context.Context) error {
	host := r.rescue.Host()
	if host == "" {
		if err := r.rescue.Refresh(ctx); err != nil {
			return err
		}
		if host = r.rescue.Host(); host == "" {
			return fmt.Errorf("%w: %s", ErrNoRescueAddress, r.rescue.ID())
		}
	}

	wctx, cancel := context.WithTimeout(ctx, r.cfg.SSHWaitTimeout)
	err := r.reachable(wctx, host, r.cfg.SSHPort)
	cancel()
	if err != nil {
		return err
	}

	outcome, err := r.runner.Run(ctx, remediate.Target{
		Host:          host,
		Port:          r.cfg.SSHPort,
		User:          r.cfg.RemoteUser,
		KeyPath:       r.cfg.KeyPath,
		PublicKeyPath: r.cfg.PublicKeyPath,
	})
	if err != nil {
		return err
	}
	log.Info(ctx, "remediation finished", "exit_code", outcome.ExitCode, "duration", outcome.Duration)
	return nil
}

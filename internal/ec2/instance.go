package ec2

import (
	"context"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/ec2-rescue/internal/poll"
)

var (
	ErrInstanceNotFound    = fmt.Errorf("EC2 instance not found")
	ErrInstanceDescribe    = fmt.Errorf("failed to describe EC2 instance")
	ErrInstanceInvalidated = fmt.Errorf("EC2 instance handle was terminated")
	ErrInstanceCreate      = fmt.Errorf("failed to create EC2 instance")
	ErrInstanceCreateIDNil = fmt.Errorf("encountered no error during instance " +
		"launch, but no instance ID was returned")
	ErrInstanceTag       = fmt.Errorf("failed to tag EC2 instance")
	ErrInstanceStop      = fmt.Errorf("failed to stop EC2 instance")
	ErrInstanceStart     = fmt.Errorf("failed to start EC2 instance")
	ErrInstanceTerminate = fmt.Errorf("failed to terminate EC2 instance")
	ErrDeviceNotMapped   = fmt.Errorf("no volume is mapped to the device")
)

// Device is a single entry of an instance's block device mapping.
type Device struct {
	Name     string
	VolumeID string
}

// Instance is a handle on a single EC2 instance.
type Instance struct {
	client *Client

	id         string
	state      types.InstanceStateName
	subnetID   string
	vpcID      string
	publicIP   string
	publicDNS  string
	rootDevice string
	devices    []Device

	invalidated bool
}

var _ poll.Resource[types.InstanceStateName] = (*Instance)(nil)

// LaunchOptions configures 'CreateInstance'.
type LaunchOptions struct {
	ImageID          string
	InstanceType     types.InstanceType
	KeyName          string
	SecurityGroupIDs []string
	SubnetID         string
	Name             string

	// Tags are applied once the instance is running.
	Tags map[string]string

	// Launched, when set, receives the handle as soon as EC2 accepted the
	// launch, before the wait for "running".
	Launched func(*Instance)
}

// GetInstance binds a handle to an existing instance.
func (c *Client) GetInstance(ctx context.Context, id string) (*Instance, error) {
	i := &Instance{client: c, id: id}
	if err := i.Refresh(ctx); err != nil {
		return nil, err
	}
	clog.FromContext(ctx).Debug("bound EC2 instance",
		"id", i.id,
		"state", i.state,
		"subnet_id", i.subnetID,
		"devices", len(i.devices),
	)
	return i, nil
}

// CreateInstance launches a single instance and blocks until it is running.
//
// A rejected launch is returned as 'ErrInstanceCreate'; no handle is produced.
// Once launched, the handle is returned even when a later wait or tagging
// fails.
func (c *Client) CreateInstance(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	log := clog.FromContext(ctx)

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(opts.ImageID),
		InstanceType: opts.InstanceType,
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		KeyName:      aws.String(opts.KeyName),
	}
	if opts.SubnetID != "" {
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			SubnetId:                 aws.String(opts.SubnetID),
			AssociatePublicIpAddress: aws.Bool(true),
			Groups:                   opts.SecurityGroupIDs,
		}}
	} else {
		input.SecurityGroupIds = opts.SecurityGroupIDs
	}
	var launchTags []types.Tag
	if opts.Name != "" {
		launchTags = append(launchTags, tagName(opts.Name))
	}
	input.TagSpecifications = tagSpecificationWithDefaults(types.ResourceTypeInstance, launchTags...)

	result, err := c.API.RunInstances(ctx, input)
	if err != nil {
		log.Error("instance launch rejected",
			"ami", opts.ImageID,
			"instance_type", opts.InstanceType,
			"code", errorCode(err),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrInstanceCreate, err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return nil, ErrInstanceCreateIDNil
	}

	i := &Instance{client: c}
	i.apply(result.Instances[0])
	log.Info("launched instance", "id", i.id, "ami", opts.ImageID, "instance_type", opts.InstanceType)
	if opts.Launched != nil {
		opts.Launched(i)
	}

	if err := i.AwaitRunning(ctx); err != nil {
		return i, err
	}
	return i, i.Tag(ctx, opts.Tags)
}

// AwaitRunning blocks until the instance is running.
func (i *Instance) AwaitRunning(ctx context.Context) error {
	if err := poll.Until(ctx, i.client.Wait, i, types.InstanceStateNameRunning); err != nil {
		return fmt.Errorf("waiting for instance [%s] to run: %w", i.id, err)
	}
	clog.FromContext(ctx).Info("instance running", "id", i.id, "ip", i.publicIP, "dns", i.publicDNS)
	return nil
}

// Tag applies 'tags' to the instance. Existing keys are overwritten.
func (i *Instance) Tag(ctx context.Context, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	if _, err := i.client.API.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{i.id},
		Tags:      tagsFromMap(tags),
	}); err != nil {
		return fmt.Errorf("%w [%s]: %w", ErrInstanceTag, i.id, err)
	}
	return nil
}

func (i *Instance) ID() string                     { return i.id }
func (i *Instance) State() types.InstanceStateName { return i.state }
func (i *Instance) SubnetID() string               { return i.subnetID }
func (i *Instance) VPCID() string                  { return i.vpcID }
func (i *Instance) PublicIP() string               { return i.publicIP }
func (i *Instance) PublicDNS() string              { return i.publicDNS }

// Host returns the address the instance is reachable at from the outside,
// preferring the public DNS name.
func (i *Instance) Host() string {
	if i.publicDNS != "" {
		return i.publicDNS
	}
	return i.publicIP
}

// Refresh re-fetches the instance from EC2.
func (i *Instance) Refresh(ctx context.Context) error {
	if i.invalidated {
		return fmt.Errorf("%w [%s]", ErrInstanceInvalidated, i.id)
	}
	result, err := i.client.API.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{i.id},
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w [%s]: %w", ErrInstanceNotFound, i.id, err)
		}
		return fmt.Errorf("%w [%s]: %w", ErrInstanceDescribe, i.id, err)
	}
	for _, reservation := range result.Reservations {
		for _, inst := range reservation.Instances {
			if aws.ToString(inst.InstanceId) == i.id {
				i.apply(inst)
				return nil
			}
		}
	}
	return fmt.Errorf("%w [%s]", ErrInstanceNotFound, i.id)
}

func (i *Instance) apply(inst types.Instance) {
	i.id = aws.ToString(inst.InstanceId)
	if inst.State != nil {
		i.state = inst.State.Name
	}
	i.subnetID = aws.ToString(inst.SubnetId)
	i.vpcID = aws.ToString(inst.VpcId)
	i.publicIP = aws.ToString(inst.PublicIpAddress)
	i.publicDNS = aws.ToString(inst.PublicDnsName)
	i.rootDevice = aws.ToString(inst.RootDeviceName)

	// The root device leads, everything else keeps the provider's order.
	i.devices = i.devices[:0]
	for _, bdm := range inst.BlockDeviceMappings {
		if bdm.Ebs == nil {
			continue
		}
		i.devices = append(i.devices, Device{
			Name:     aws.ToString(bdm.DeviceName),
			VolumeID: aws.ToString(bdm.Ebs.VolumeId),
		})
	}
	slices.SortStableFunc(i.devices, func(a, b Device) int {
		switch {
		case a.Name == i.rootDevice && b.Name != i.rootDevice:
			return -1
		case b.Name == i.rootDevice && a.Name != i.rootDevice:
			return 1
		default:
			return 0
		}
	})
}

// MappedDevices returns the device names currently mapped to volumes, root
// device first.
func (i *Instance) MappedDevices() []string {
	names := make([]string, len(i.devices))
	for idx, d := range i.devices {
		names[idx] = d.Name
	}
	return names
}

// Volume resolves the volume attached at 'mountpoint' to a bound handle.
func (i *Instance) Volume(ctx context.Context, mountpoint string) (*Volume, error) {
	for _, d := range i.devices {
		if d.Name == mountpoint {
			return i.client.GetVolume(ctx, d.VolumeID)
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrDeviceNotMapped, mountpoint, i.id)
}

// Stop stops the instance and blocks until it is stopped.
func (i *Instance) Stop(ctx context.Context) error {
	log := clog.FromContext(ctx).With("id", i.id)
	if err := i.Refresh(ctx); err != nil {
		return err
	}
	if i.state == types.InstanceStateNameStopped {
		log.Info("instance already stopped")
		return nil
	}
	log.Info("stopping instance", "state", i.state)
	if _, err := i.client.API.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{i.id},
	}); err != nil {
		return fmt.Errorf("%w [%s]: %w", ErrInstanceStop, i.id, err)
	}
	if err := poll.Until(ctx, i.client.Wait, i, types.InstanceStateNameStopped); err != nil {
		return err
	}
	log.Info("instance stopped")
	return nil
}

// Start starts the instance and blocks until it is running.
func (i *Instance) Start(ctx context.Context) error {
	log := clog.FromContext(ctx).With("id", i.id)
	if err := i.Refresh(ctx); err != nil {
		return err
	}
	if i.state == types.InstanceStateNameRunning {
		log.Info("instance already running")
		return nil
	}
	log.Info("starting instance", "state", i.state)
	if _, err := i.client.API.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{i.id},
	}); err != nil {
		return fmt.Errorf("%w [%s]: %w", ErrInstanceStart, i.id, err)
	}
	if err := poll.Until(ctx, i.client.Wait, i, types.InstanceStateNameRunning); err != nil {
		return err
	}
	log.Info("instance running", "ip", i.publicIP)
	return nil
}

// Terminate terminates the instance, blocks until it is terminated, then
// invalidates the handle.
func (i *Instance) Terminate(ctx context.Context) error {
	log := clog.FromContext(ctx).With("id", i.id)
	if i.invalidated {
		return fmt.Errorf("%w [%s]", ErrInstanceInvalidated, i.id)
	}
	log.Info("terminating instance", "ip", i.publicIP)
	if _, err := i.client.API.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{i.id},
	}); err != nil {
		if isNotFound(err) {
			log.Warn("instance to terminate no longer exists")
			i.invalidated = true
			return nil
		}
		return fmt.Errorf("%w [%s]: %w", ErrInstanceTerminate, i.id, err)
	}
	if err := poll.Until(ctx, i.client.Wait, i, types.InstanceStateNameTerminated); err != nil {
		return err
	}
	i.invalidated = true
	log.Info("instance terminated")
	return nil
}

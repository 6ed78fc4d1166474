// ec2fake is an in-memory stand-in for the EC2 API.
//
// Mutations behave like the real service: they return immediately and leave
// the resource in an intermediate state ("pending", "stopping", attachment
// "attaching", ...). Every describe call advances in-flight transitions by
// one step, and a transition completes after 'Lag' describes. This makes
// callers synchronize through polling exactly as they must against EC2.
package ec2fake

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// DefaultLag is the number of describe calls a transition takes to complete.
const DefaultLag = 2

type (
	Instance struct {
		ID             string
		State          types.InstanceStateName
		SubnetID       string
		VPCID          string
		PublicIP       string
		PublicDNS      string
		RootDevice     string
		ImageID        string
		KeyName        string
		InstanceType   types.InstanceType
		SecurityGroups []string
		Tags           map[string]string

		next    types.InstanceStateName
		pending int
	}

	Volume struct {
		ID         string
		State      types.VolumeState
		InstanceID string
		Device     string
		Attachment types.VolumeAttachmentState

		pending int
	}

	SecurityGroup struct {
		ID      string
		Name    string
		VPCID   string
		Ingress []string
		Tags    map[string]string
	}
)

// EC2 implements the rescue workflow's view of the EC2 API.
type EC2 struct {
	// Lag is the number of describe calls after which a transition completes.
	Lag int

	mu        sync.Mutex
	seq       int
	instances map[string]*Instance
	volumes   map[string]*Volume
	groups    map[string]*SecurityGroup
	failures  map[string]error
	calls     map[string]int
	hooks     map[string]func()
}

func New() *EC2 {
	return &EC2{
		Lag:       DefaultLag,
		instances: make(map[string]*Instance),
		volumes:   make(map[string]*Volume),
		groups:    make(map[string]*SecurityGroup),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
		hooks:     make(map[string]func()),
	}
}

// APIError builds a provider error as returned by the AWS SDK.
func APIError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg, Fault: smithy.FaultClient}
}

// FailOn makes every subsequent call to 'op' return 'err'. A nil 'err'
// clears the failure.
func (f *EC2) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// OnCall runs 'fn' (without the lock held) before every call to 'op'.
func (f *EC2) OnCall(op string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[op] = fn
}

// Calls returns how many times 'op' was called.
func (f *EC2) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// AddInstance seeds an instance. Its volumes are seeded with 'AddVolume'.
func (f *EC2) AddInstance(i Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i.RootDevice == "" {
		i.RootDevice = "/dev/sda1"
	}
	if i.Tags == nil {
		i.Tags = make(map[string]string)
	}
	f.instances[i.ID] = &i
}

// AddVolume seeds a volume attached to 'instanceID' at 'device', or an
// available volume when 'instanceID' is empty.
func (f *EC2) AddVolume(id, instanceID, device string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := &Volume{ID: id, State: types.VolumeStateAvailable}
	if instanceID != "" {
		v.State = types.VolumeStateInUse
		v.InstanceID = instanceID
		v.Device = device
		v.Attachment = types.VolumeAttachmentStateAttached
	}
	f.volumes[id] = v
}

// Instance returns a copy of the instance 'id'.
func (f *EC2) Instance(id string) (Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *i, true
}

// Instances returns copies of all instances, ordered by id.
func (f *EC2) Instances() []Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Instance, 0, len(f.instances))
	for _, i := range f.instances {
		out = append(out, *i)
	}
	slices.SortFunc(out, func(a, b Instance) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Volume returns a copy of the volume 'id'.
func (f *EC2) Volume(id string) (Volume, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[id]
	if !ok {
		return Volume{}, false
	}
	return *v, true
}

// SecurityGroups returns copies of all security groups.
func (f *EC2) SecurityGroups() []SecurityGroup {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SecurityGroup, 0, len(f.groups))
	for _, g := range f.groups {
		cp := *g
		cp.Ingress = slices.Clone(g.Ingress)
		out = append(out, cp)
	}
	return out
}

// AddSecurityGroup seeds a security group.
func (f *EC2) AddSecurityGroup(g SecurityGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[g.ID] = &g
}

// enter records the call, runs hooks and returns any configured failure.
// It returns with the lock held.
func (f *EC2) enter(op string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hooks[op]
	err := f.failures[op]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	return err
}

func (f *EC2) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%08x", prefix, f.seq)
}

func (f *EC2) lag() int {
	if f.Lag <= 0 {
		return 1
	}
	return f.Lag
}

func notFound(code, id string) error {
	return APIError(code, fmt.Sprintf("The ID '%s' does not exist", id))
}

func (f *EC2) startInstanceTransition(i *Instance, via, to types.InstanceStateName) {
	i.State = via
	i.next = to
	i.pending = f.lag()
}

func (f *EC2) advanceInstance(i *Instance) {
	if i.pending == 0 {
		return
	}
	i.pending--
	if i.pending == 0 {
		i.State = i.next
		i.next = ""
	}
}

func (f *EC2) advanceVolume(v *Volume) {
	if v.pending == 0 {
		return
	}
	v.pending--
	if v.pending > 0 {
		return
	}
	switch v.Attachment {
	case types.VolumeAttachmentStateAttaching:
		v.Attachment = types.VolumeAttachmentStateAttached
	case types.VolumeAttachmentStateDetaching:
		v.Attachment = ""
		v.InstanceID = ""
		v.Device = ""
		v.State = types.VolumeStateAvailable
	}
}

func (f *EC2) describe(i *Instance) types.Instance {
	out := types.Instance{
		InstanceId:     aws.String(i.ID),
		State:          &types.InstanceState{Name: i.State},
		SubnetId:       aws.String(i.SubnetID),
		VpcId:          aws.String(i.VPCID),
		RootDeviceName: aws.String(i.RootDevice),
		ImageId:        aws.String(i.ImageID),
		KeyName:        aws.String(i.KeyName),
		InstanceType:   i.InstanceType,
	}
	if i.State == types.InstanceStateNameRunning {
		out.PublicIpAddress = aws.String(i.PublicIP)
		out.PublicDnsName = aws.String(i.PublicDNS)
	}
	for _, sg := range i.SecurityGroups {
		out.SecurityGroups = append(out.SecurityGroups, types.GroupIdentifier{GroupId: aws.String(sg)})
	}
	for _, v := range f.volumes {
		if v.InstanceID != i.ID {
			continue
		}
		status := types.AttachmentStatusAttached
		switch v.Attachment {
		case types.VolumeAttachmentStateAttaching:
			status = types.AttachmentStatusAttaching
		case types.VolumeAttachmentStateDetaching:
			status = types.AttachmentStatusDetaching
		}
		out.BlockDeviceMappings = append(out.BlockDeviceMappings, types.InstanceBlockDeviceMapping{
			DeviceName: aws.String(v.Device),
			Ebs: &types.EbsInstanceBlockDevice{
				VolumeId: aws.String(v.ID),
				Status:   status,
			},
		})
	}
	slices.SortFunc(out.BlockDeviceMappings, func(a, b types.InstanceBlockDeviceMapping) int {
		switch {
		case *a.DeviceName < *b.DeviceName:
			return -1
		case *a.DeviceName > *b.DeviceName:
			return 1
		}
		return 0
	})
	for k, v := range i.Tags {
		out.Tags = append(out.Tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func (f *EC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if err := f.enter("DescribeInstances"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	out := &ec2.DescribeInstancesOutput{}
	for _, id := range in.InstanceIds {
		i, ok := f.instances[id]
		if !ok {
			return nil, notFound("InvalidInstanceID.NotFound", id)
		}
		f.advanceInstance(i)
		out.Reservations = append(out.Reservations, types.Reservation{
			Instances: []types.Instance{f.describe(i)},
		})
	}
	return out, nil
}

func (f *EC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	if err := f.enter("RunInstances"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	i := &Instance{
		ID:             f.nextID("i"),
		ImageID:        aws.ToString(in.ImageId),
		KeyName:        aws.ToString(in.KeyName),
		InstanceType:   in.InstanceType,
		RootDevice:     "/dev/xvda",
		SecurityGroups: slices.Clone(in.SecurityGroupIds),
		Tags:           make(map[string]string),
	}
	for _, ni := range in.NetworkInterfaces {
		i.SubnetID = aws.ToString(ni.SubnetId)
		i.SecurityGroups = append(i.SecurityGroups, ni.Groups...)
	}
	for _, sg := range i.SecurityGroups {
		g, ok := f.groups[sg]
		if !ok {
			return nil, notFound("InvalidGroup.NotFound", sg)
		}
		i.VPCID = g.VPCID
	}
	for _, spec := range in.TagSpecifications {
		for _, t := range spec.Tags {
			i.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}
	i.PublicIP = fmt.Sprintf("203.0.113.%d", f.seq%250+1)
	i.PublicDNS = fmt.Sprintf("ec2-203-0-113-%d.compute.amazonaws.com", f.seq%250+1)
	f.startInstanceTransition(i, types.InstanceStateNamePending, types.InstanceStateNameRunning)
	f.instances[i.ID] = i
	return &ec2.RunInstancesOutput{
		Instances: []types.Instance{{
			InstanceId: aws.String(i.ID),
			State:      &types.InstanceState{Name: i.State},
		}},
	}, nil
}

func (f *EC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	if err := f.enter("StopInstances"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	for _, id := range in.InstanceIds {
		i, ok := f.instances[id]
		if !ok {
			return nil, notFound("InvalidInstanceID.NotFound", id)
		}
		switch i.State {
		case types.InstanceStateNameStopped, types.InstanceStateNameStopping:
		case types.InstanceStateNameRunning, types.InstanceStateNamePending:
			f.startInstanceTransition(i, types.InstanceStateNameStopping, types.InstanceStateNameStopped)
		default:
			return nil, APIError("IncorrectInstanceState", fmt.Sprintf("instance %s is %s", id, i.State))
		}
	}
	return &ec2.StopInstancesOutput{}, nil
}

func (f *EC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	if err := f.enter("StartInstances"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	for _, id := range in.InstanceIds {
		i, ok := f.instances[id]
		if !ok {
			return nil, notFound("InvalidInstanceID.NotFound", id)
		}
		if i.State != types.InstanceStateNameStopped {
			return nil, APIError("IncorrectInstanceState", fmt.Sprintf("instance %s is %s", id, i.State))
		}
		f.startInstanceTransition(i, types.InstanceStateNamePending, types.InstanceStateNameRunning)
	}
	return &ec2.StartInstancesOutput{}, nil
}

func (f *EC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if err := f.enter("TerminateInstances"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	for _, id := range in.InstanceIds {
		i, ok := f.instances[id]
		if !ok {
			return nil, notFound("InvalidInstanceID.NotFound", id)
		}
		if i.State == types.InstanceStateNameTerminated {
			continue
		}
		f.startInstanceTransition(i, types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *EC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	if err := f.enter("CreateTags"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	for _, id := range in.Resources {
		i, ok := f.instances[id]
		if !ok {
			return nil, notFound("InvalidID", id)
		}
		for _, t := range in.Tags {
			i.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *EC2) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	if err := f.enter("DescribeVolumes"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	out := &ec2.DescribeVolumesOutput{}
	for _, id := range in.VolumeIds {
		v, ok := f.volumes[id]
		if !ok {
			return nil, notFound("InvalidVolume.NotFound", id)
		}
		f.advanceVolume(v)
		vol := types.Volume{
			VolumeId: aws.String(v.ID),
			State:    v.State,
		}
		if v.InstanceID != "" {
			vol.Attachments = []types.VolumeAttachment{{
				VolumeId:   aws.String(v.ID),
				InstanceId: aws.String(v.InstanceID),
				Device:     aws.String(v.Device),
				State:      v.Attachment,
			}}
		}
		out.Volumes = append(out.Volumes, vol)
	}
	return out, nil
}

func (f *EC2) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	if err := f.enter("AttachVolume"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	id := aws.ToString(in.VolumeId)
	v, ok := f.volumes[id]
	if !ok {
		return nil, notFound("InvalidVolume.NotFound", id)
	}
	instanceID := aws.ToString(in.InstanceId)
	if _, ok := f.instances[instanceID]; !ok {
		return nil, notFound("InvalidInstanceID.NotFound", instanceID)
	}
	if v.State != types.VolumeStateAvailable {
		return nil, APIError("VolumeInUse", fmt.Sprintf("%s is already attached to an instance", id))
	}
	// EC2 reports the volume in-use as soon as the attachment starts.
	v.State = types.VolumeStateInUse
	v.InstanceID = instanceID
	v.Device = aws.ToString(in.Device)
	v.Attachment = types.VolumeAttachmentStateAttaching
	v.pending = f.lag()
	return &ec2.AttachVolumeOutput{
		VolumeId:   aws.String(id),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(v.Device),
		State:      v.Attachment,
	}, nil
}

func (f *EC2) DetachVolume(_ context.Context, in *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	if err := f.enter("DetachVolume"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	id := aws.ToString(in.VolumeId)
	v, ok := f.volumes[id]
	if !ok {
		return nil, notFound("InvalidVolume.NotFound", id)
	}
	if v.InstanceID == "" || v.Attachment != types.VolumeAttachmentStateAttached {
		return nil, APIError("IncorrectState", fmt.Sprintf("%s is not attached", id))
	}
	if instanceID := aws.ToString(in.InstanceId); instanceID != "" && instanceID != v.InstanceID {
		return nil, APIError("InvalidAttachment.NotFound", fmt.Sprintf("%s is not attached to %s", id, instanceID))
	}
	v.Attachment = types.VolumeAttachmentStateDetaching
	v.pending = f.lag()
	return &ec2.DetachVolumeOutput{
		VolumeId: aws.String(id),
		State:    v.Attachment,
	}, nil
}

func (f *EC2) DescribeSecurityGroups(_ context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	if err := f.enter("DescribeSecurityGroups"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, g := range f.groups {
		if !matchesFilters(g, in.Filters) {
			continue
		}
		sg := types.SecurityGroup{
			GroupId:   aws.String(g.ID),
			GroupName: aws.String(g.Name),
			VpcId:     aws.String(g.VPCID),
		}
		for _, cidr := range g.Ingress {
			sg.IpPermissions = append(sg.IpPermissions, types.IpPermission{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(22),
				ToPort:     aws.Int32(22),
				IpRanges:   []types.IpRange{{CidrIp: aws.String(cidr)}},
			})
		}
		out.SecurityGroups = append(out.SecurityGroups, sg)
	}
	return out, nil
}

func matchesFilters(g *SecurityGroup, filters []types.Filter) bool {
	for _, filter := range filters {
		var value string
		switch aws.ToString(filter.Name) {
		case "group-name":
			value = g.Name
		case "vpc-id":
			value = g.VPCID
		case "group-id":
			value = g.ID
		default:
			continue
		}
		if !slices.Contains(filter.Values, value) {
			return false
		}
	}
	return true
}

func (f *EC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	if err := f.enter("CreateSecurityGroup"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	name := aws.ToString(in.GroupName)
	vpcID := aws.ToString(in.VpcId)
	for _, g := range f.groups {
		if g.Name == name && g.VPCID == vpcID {
			return nil, APIError("InvalidGroup.Duplicate", fmt.Sprintf("the security group '%s' already exists", name))
		}
	}
	g := &SecurityGroup{
		ID:    f.nextID("sg"),
		Name:  name,
		VPCID: vpcID,
		Tags:  make(map[string]string),
	}
	for _, spec := range in.TagSpecifications {
		for _, t := range spec.Tags {
			g.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}
	f.groups[g.ID] = g
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(g.ID)}, nil
}

func (f *EC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	if err := f.enter("AuthorizeSecurityGroupIngress"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	id := aws.ToString(in.GroupId)
	g, ok := f.groups[id]
	if !ok {
		return nil, notFound("InvalidGroup.NotFound", id)
	}
	cidr := aws.ToString(in.CidrIp)
	if slices.Contains(g.Ingress, cidr) {
		return nil, APIError("InvalidPermission.Duplicate", fmt.Sprintf("the specified rule %s already exists", cidr))
	}
	g.Ingress = append(g.Ingress, cidr)
	return &ec2.AuthorizeSecurityGroupIngressOutput{Return: aws.Bool(true)}, nil
}

func (f *EC2) DeleteSecurityGroup(_ context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	if err := f.enter("DeleteSecurityGroup"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	defer f.mu.Unlock()

	id := aws.ToString(in.GroupId)
	if _, ok := f.groups[id]; !ok {
		return nil, notFound("InvalidGroup.NotFound", id)
	}
	for _, i := range f.instances {
		if i.State == types.InstanceStateNameTerminated {
			continue
		}
		if slices.Contains(i.SecurityGroups, id) {
			return nil, APIError("DependencyViolation", fmt.Sprintf("resource %s has a dependent object", id))
		}
	}
	delete(f.groups, id)
	return &ec2.DeleteSecurityGroupOutput{GroupId: aws.String(id), Return: aws.Bool(true)}, nil
}

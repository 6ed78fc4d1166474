package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/ec2-rescue/internal/poll"
)

var (
	ErrVolumeNotFound = fmt.Errorf("EBS volume not found")
	ErrVolumeDescribe = fmt.Errorf("failed to describe EBS volume")
	ErrVolumeState    = fmt.Errorf("EBS volume is not in the required state")
	ErrVolumeAttach   = fmt.Errorf("failed to attach EBS volume")
	ErrVolumeDetach   = fmt.Errorf("failed to detach EBS volume")
)

// Attachment is where a volume is currently attached.
type Attachment struct {
	InstanceID string
	Device     string
	State      types.VolumeAttachmentState
}

// Volume is a handle on a single, pre-existing EBS volume.
type Volume struct {
	client *Client

	id         string
	state      types.VolumeState
	attachment *Attachment
}

var _ poll.Resource[types.VolumeState] = (*Volume)(nil)

// GetVolume binds a handle to an existing volume.
func (c *Client) GetVolume(ctx context.Context, id string) (*Volume, error) {
	v := &Volume{client: c, id: id}
	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Volume) ID() string               { return v.id }
func (v *Volume) State() types.VolumeState { return v.state }

// Attachment returns the attachment observed by the last refresh, if any.
func (v *Volume) Attachment() (Attachment, bool) {
	if v.attachment == nil {
		return Attachment{}, false
	}
	return *v.attachment, true
}

// Refresh re-fetches the volume from EC2.
func (v *Volume) Refresh(ctx context.Context) error {
	result, err := v.client.API.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{v.id},
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w [%s]: %w", ErrVolumeNotFound, v.id, err)
		}
		return fmt.Errorf("%w [%s]: %w", ErrVolumeDescribe, v.id, err)
	}
	for _, vol := range result.Volumes {
		if aws.ToString(vol.VolumeId) != v.id {
			continue
		}
		v.state = vol.State
		v.attachment = nil
		for _, a := range vol.Attachments {
			if a.State == types.VolumeAttachmentStateDetached {
				continue
			}
			v.attachment = &Attachment{
				InstanceID: aws.ToString(a.InstanceId),
				Device:     aws.ToString(a.Device),
				State:      a.State,
			}
			break
		}
		return nil
	}
	return fmt.Errorf("%w [%s]", ErrVolumeNotFound, v.id)
}

// Attach attaches the volume to 'instanceID' at 'device' and blocks until
// the attachment is complete.
//
// The volume must be available; attaching a volume that is still attached
// elsewhere is refused before any call to EC2.
func (v *Volume) Attach(ctx context.Context, instanceID, device string) error {
	log := clog.FromContext(ctx).With("volume", v.id, "instance", instanceID, "device", device)
	if err := v.Refresh(ctx); err != nil {
		return err
	}
	if v.state != types.VolumeStateAvailable {
		return fmt.Errorf("%w: %s is %q, want %q", ErrVolumeState, v.id, v.state, types.VolumeStateAvailable)
	}

	log.Info("attaching volume to instance")
	if _, err := v.client.API.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(v.id),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	}); err != nil {
		return fmt.Errorf("%w [%s -> %s]: %w", ErrVolumeAttach, v.id, instanceID, err)
	}
	if err := v.AwaitAttached(ctx); err != nil {
		return err
	}
	log.Info("volume attached")
	return nil
}

// AwaitAttached blocks until the volume's attachment reports "attached".
// The volume itself reads in-use for the whole time the attachment is
// still "attaching".
func (v *Volume) AwaitAttached(ctx context.Context) error {
	return poll.Until(ctx, v.client.Wait, attachmentOf{v}, types.VolumeAttachmentStateAttached)
}

// attachmentOf polls the attachment state of a volume rather than the
// volume's own state.
type attachmentOf struct{ *Volume }

func (a attachmentOf) State() types.VolumeAttachmentState {
	if a.attachment == nil {
		return ""
	}
	return a.attachment.State
}

// Detach detaches the volume from 'instanceID' at 'device' and blocks until
// the volume is available.
func (v *Volume) Detach(ctx context.Context, instanceID, device string) error {
	log := clog.FromContext(ctx).With("volume", v.id, "instance", instanceID, "device", device)
	if err := v.Refresh(ctx); err != nil {
		return err
	}
	if v.state != types.VolumeStateInUse {
		return fmt.Errorf("%w: %s is %q, want %q", ErrVolumeState, v.id, v.state, types.VolumeStateInUse)
	}

	log.Info("detaching volume from instance")
	if _, err := v.client.API.DetachVolume(ctx, &ec2.DetachVolumeInput{
		VolumeId:   aws.String(v.id),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	}); err != nil {
		return fmt.Errorf("%w [%s <- %s]: %w", ErrVolumeDetach, v.id, instanceID, err)
	}
	if err := poll.Until(ctx, v.client.Wait, v, types.VolumeStateAvailable); err != nil {
		return err
	}
	log.Info("volume detached")
	return nil
}

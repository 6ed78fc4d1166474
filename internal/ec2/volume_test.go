package ec2

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/require"

	"github.com/chainguard-dev/ec2-rescue/internal/ec2/ec2fake"
)

func TestVolumeRoundTrip(t *testing.T) {
	for _, mountpoint := range []string{"/dev/sda1", "/dev/xvda", "/dev/sdf"} {
		t.Run(mountpoint, func(t *testing.T) {
			c, api := newTestClient(t)
			api.AddInstance(ec2fake.Instance{ID: "i-A", State: types.InstanceStateNameStopped, RootDevice: mountpoint})
			api.AddInstance(ec2fake.Instance{ID: "i-B", State: types.InstanceStateNameStopped})
			api.AddVolume("vol-1", "i-A", mountpoint)

			v, err := c.GetVolume(t.Context(), "vol-1")
			require.NoError(t, err)
			require.Equal(t, types.VolumeStateInUse, v.State())

			require.NoError(t, v.Detach(t.Context(), "i-A", mountpoint))
			require.Equal(t, types.VolumeStateAvailable, v.State())
			_, ok := v.Attachment()
			require.False(t, ok)

			require.NoError(t, v.Attach(t.Context(), "i-B", "/dev/sdh"))
			a, ok := v.Attachment()
			require.True(t, ok)
			require.Equal(t, Attachment{InstanceID: "i-B", Device: "/dev/sdh", State: types.VolumeAttachmentStateAttached}, a)

			require.NoError(t, v.Detach(t.Context(), "i-B", "/dev/sdh"))
			require.NoError(t, v.Attach(t.Context(), "i-A", mountpoint))

			got, ok := api.Volume("vol-1")
			require.True(t, ok)
			require.Equal(t, "i-A", got.InstanceID)
			require.Equal(t, mountpoint, got.Device)
			require.Equal(t, types.VolumeStateInUse, got.State)
		})
	}
}

func TestVolumeAttachWaitsForAttachment(t *testing.T) {
	c, api := newTestClient(t)
	api.Lag = 3
	api.AddInstance(ec2fake.Instance{ID: "i-A", State: types.InstanceStateNameStopped})
	api.AddVolume("vol-1", "", "")
	api.AddVolume("vol-2", "", "")

	// The volume reads in-use while its attachment is still in flight.
	_, err := api.AttachVolume(t.Context(), &awsec2.AttachVolumeInput{
		VolumeId:   aws.String("vol-2"),
		InstanceId: aws.String("i-A"),
		Device:     aws.String("/dev/sdg"),
	})
	require.NoError(t, err)
	inflight, err := c.GetVolume(t.Context(), "vol-2")
	require.NoError(t, err)
	require.Equal(t, types.VolumeStateInUse, inflight.State())
	a, ok := inflight.Attachment()
	require.True(t, ok)
	require.Equal(t, types.VolumeAttachmentStateAttaching, a.State)

	v, err := c.GetVolume(t.Context(), "vol-1")
	require.NoError(t, err)
	before := api.Calls("DescribeVolumes")
	require.NoError(t, v.Attach(t.Context(), "i-A", "/dev/sdh"))

	a, ok = v.Attachment()
	require.True(t, ok)
	require.Equal(t, types.VolumeAttachmentStateAttached, a.State)
	// One refresh before attaching, then one poll per step of the lag.
	require.Equal(t, before+1+3, api.Calls("DescribeVolumes"))
}

func TestVolumeWrongState(t *testing.T) {
	c, api := newTestClient(t)
	api.AddInstance(ec2fake.Instance{ID: "i-A", State: types.InstanceStateNameStopped})
	api.AddVolume("vol-attached", "i-A", "/dev/sda1")
	api.AddVolume("vol-free", "", "")

	attached, err := c.GetVolume(t.Context(), "vol-attached")
	require.NoError(t, err)
	require.ErrorIs(t, attached.Attach(t.Context(), "i-A", "/dev/sdh"), ErrVolumeState)

	free, err := c.GetVolume(t.Context(), "vol-free")
	require.NoError(t, err)
	require.ErrorIs(t, free.Detach(t.Context(), "i-A", "/dev/sdh"), ErrVolumeState)

	require.Zero(t, api.Calls("AttachVolume"))
	require.Zero(t, api.Calls("DetachVolume"))
}

func TestVolumeProviderErrors(t *testing.T) {
	c, api := newTestClient(t)
	api.AddInstance(ec2fake.Instance{ID: "i-A", State: types.InstanceStateNameStopped})
	api.AddVolume("vol-1", "i-A", "/dev/sda1")

	v, err := c.GetVolume(t.Context(), "vol-1")
	require.NoError(t, err)

	api.FailOn("DetachVolume", ec2fake.APIError("IncorrectState", "busy"))
	require.ErrorIs(t, v.Detach(t.Context(), "i-A", "/dev/sda1"), ErrVolumeDetach)

	api.FailOn("DescribeVolumes", ec2fake.APIError("InvalidVolume.NotFound", "gone"))
	require.ErrorIs(t, v.Refresh(t.Context()), ErrVolumeNotFound)
}

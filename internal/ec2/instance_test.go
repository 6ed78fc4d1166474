package ec2

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/require"

	"github.com/chainguard-dev/ec2-rescue/internal/ec2/ec2fake"
	"github.com/chainguard-dev/ec2-rescue/internal/poll"
)

var fastWait = poll.Config{Interval: time.Millisecond, Timeout: 5 * time.Second}

func newTestClient(t *testing.T) (*Client, *ec2fake.EC2) {
	t.Helper()
	api := ec2fake.New()
	return NewClient(api, fastWait), api
}

func seedTarget(api *ec2fake.EC2) {
	api.AddSecurityGroup(ec2fake.SecurityGroup{ID: "sg-default", Name: "default", VPCID: "vpc-1"})
	api.AddInstance(ec2fake.Instance{
		ID:             "i-TARGET",
		State:          types.InstanceStateNameRunning,
		SubnetID:       "subnet-1",
		VPCID:          "vpc-1",
		RootDevice:     "/dev/sda1",
		SecurityGroups: []string{"sg-default"},
	})
	api.AddVolume("vol-DATA", "i-TARGET", "/dev/sdb")
	api.AddVolume("vol-ROOT", "i-TARGET", "/dev/sda1")
}

func TestGetInstance(t *testing.T) {
	t.Run("binds-existing", func(t *testing.T) {
		c, api := newTestClient(t)
		seedTarget(api)

		i, err := c.GetInstance(t.Context(), "i-TARGET")
		require.NoError(t, err)
		require.Equal(t, "i-TARGET", i.ID())
		require.Equal(t, types.InstanceStateNameRunning, i.State())
		require.Equal(t, "subnet-1", i.SubnetID())
		require.Equal(t, "vpc-1", i.VPCID())
		require.Equal(t, []string{"/dev/sda1", "/dev/sdb"}, i.MappedDevices())
	})
	t.Run("root-device-first", func(t *testing.T) {
		c, api := newTestClient(t)
		api.AddInstance(ec2fake.Instance{
			ID:         "i-XVDA",
			State:      types.InstanceStateNameRunning,
			RootDevice: "/dev/xvda",
		})
		api.AddVolume("vol-A", "i-XVDA", "/dev/sdf")
		api.AddVolume("vol-B", "i-XVDA", "/dev/xvda")

		i, err := c.GetInstance(t.Context(), "i-XVDA")
		require.NoError(t, err)
		require.Equal(t, []string{"/dev/xvda", "/dev/sdf"}, i.MappedDevices())
	})
	t.Run("not-found", func(t *testing.T) {
		c, _ := newTestClient(t)
		_, err := c.GetInstance(t.Context(), "i-MISSING")
		require.ErrorIs(t, err, ErrInstanceNotFound)
	})
}

func TestInstanceVolume(t *testing.T) {
	c, api := newTestClient(t)
	seedTarget(api)

	i, err := c.GetInstance(t.Context(), "i-TARGET")
	require.NoError(t, err)

	v, err := i.Volume(t.Context(), "/dev/sda1")
	require.NoError(t, err)
	require.Equal(t, "vol-ROOT", v.ID())
	a, ok := v.Attachment()
	require.True(t, ok)
	require.Equal(t, "i-TARGET", a.InstanceID)
	require.Equal(t, "/dev/sda1", a.Device)

	_, err = i.Volume(t.Context(), "/dev/sdz")
	require.ErrorIs(t, err, ErrDeviceNotMapped)
}

func TestCreateInstance(t *testing.T) {
	t.Run("waits-until-running", func(t *testing.T) {
		c, api := newTestClient(t)
		api.AddSecurityGroup(ec2fake.SecurityGroup{ID: "sg-rescue", Name: "rescue", VPCID: "vpc-1"})

		i, err := c.CreateInstance(t.Context(), LaunchOptions{
			ImageID:          "ami-12345678",
			InstanceType:     types.InstanceTypeT3Micro,
			KeyName:          "operator",
			SecurityGroupIDs: []string{"sg-rescue"},
			SubnetID:         "subnet-1",
			Name:             "rescue",
			Tags:             RunTags("run-1", "i-TARGET"),
		})
		require.NoError(t, err)
		require.Equal(t, types.InstanceStateNameRunning, i.State())
		require.NotEmpty(t, i.Host())
		require.Equal(t, "subnet-1", i.SubnetID())

		got, ok := api.Instance(i.ID())
		require.True(t, ok)
		require.Equal(t, "rescue", got.Tags[tagKeyName])
		require.Equal(t, tagDefaultApp, got.Tags[tagKeyTool])
		require.Equal(t, "run-1", got.Tags[tagKeyRun])
		require.Equal(t, "i-TARGET", got.Tags[tagKeyTarget])
		require.GreaterOrEqual(t, api.Calls("DescribeInstances"), ec2fake.DefaultLag)
	})
	t.Run("reports-launch-before-waiting", func(t *testing.T) {
		c, api := newTestClient(t)
		api.AddSecurityGroup(ec2fake.SecurityGroup{ID: "sg-rescue", Name: "rescue", VPCID: "vpc-1"})

		var launched *Instance
		i, err := c.CreateInstance(t.Context(), LaunchOptions{
			ImageID:          "ami-12345678",
			SecurityGroupIDs: []string{"sg-rescue"},
			Launched: func(i *Instance) {
				launched = i
				require.Equal(t, types.InstanceStateNamePending, i.State())
				require.Zero(t, api.Calls("DescribeInstances"))
			},
		})
		require.NoError(t, err)
		require.Same(t, i, launched)
	})
	t.Run("rejected-launch-does-not-wait", func(t *testing.T) {
		c, api := newTestClient(t)
		api.FailOn("RunInstances", ec2fake.APIError("InvalidAMIID.Malformed", "invalid id: \"ami-bad\""))

		i, err := c.CreateInstance(t.Context(), LaunchOptions{ImageID: "ami-bad"})
		require.ErrorIs(t, err, ErrInstanceCreate)
		require.Nil(t, i)
		require.Zero(t, api.Calls("DescribeInstances"))
	})
}

func TestInstanceStopStart(t *testing.T) {
	c, api := newTestClient(t)
	seedTarget(api)

	i, err := c.GetInstance(t.Context(), "i-TARGET")
	require.NoError(t, err)

	require.NoError(t, i.Stop(t.Context()))
	require.Equal(t, types.InstanceStateNameStopped, i.State())

	// Stopping a stopped instance is a no-op.
	require.NoError(t, i.Stop(t.Context()))
	require.Equal(t, 1, api.Calls("StopInstances"))

	require.NoError(t, i.Start(t.Context()))
	require.Equal(t, types.InstanceStateNameRunning, i.State())
}

func TestInstanceTerminate(t *testing.T) {
	t.Run("invalidates-handle", func(t *testing.T) {
		c, api := newTestClient(t)
		seedTarget(api)

		i, err := c.GetInstance(t.Context(), "i-TARGET")
		require.NoError(t, err)
		require.NoError(t, i.Terminate(t.Context()))

		got, _ := api.Instance("i-TARGET")
		require.Equal(t, types.InstanceStateNameTerminated, got.State)
		require.ErrorIs(t, i.Refresh(t.Context()), ErrInstanceInvalidated)
		require.ErrorIs(t, i.Terminate(t.Context()), ErrInstanceInvalidated)
	})
	t.Run("already-gone", func(t *testing.T) {
		c, api := newTestClient(t)
		seedTarget(api)

		i, err := c.GetInstance(t.Context(), "i-TARGET")
		require.NoError(t, err)
		api.FailOn("TerminateInstances", ec2fake.APIError("InvalidInstanceID.NotFound", "gone"))
		require.NoError(t, i.Terminate(t.Context()))
		require.ErrorIs(t, i.Refresh(t.Context()), ErrInstanceInvalidated)
	})
	t.Run("provider-error", func(t *testing.T) {
		c, api := newTestClient(t)
		seedTarget(api)

		i, err := c.GetInstance(t.Context(), "i-TARGET")
		require.NoError(t, err)
		api.FailOn("TerminateInstances", ec2fake.APIError("UnauthorizedOperation", "denied"))
		require.ErrorIs(t, i.Terminate(t.Context()), ErrInstanceTerminate)
	})
}

func TestTagsFromMap(t *testing.T) {
	tags := tagsFromMap(map[string]string{"b": "2", "a": "1"})
	require.Len(t, tags, 2)
	require.Equal(t, "a", *tags[0].Key)
	require.Equal(t, "b", *tags[1].Key)

	spec := tagSpecificationWithDefaults(types.ResourceTypeInstance, tagName("x"))
	require.Len(t, spec, 1)
	require.Equal(t, tagKeyName, *spec[0].Tags[0].Key)
	require.Equal(t, tagKeyTool, *spec[0].Tags[len(spec[0].Tags)-1].Key)
}

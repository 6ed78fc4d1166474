package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/require"

	"github.com/chainguard-dev/ec2-rescue/internal/ec2"
	"github.com/chainguard-dev/ec2-rescue/internal/ec2/ec2fake"
	"github.com/chainguard-dev/ec2-rescue/internal/journal"
	"github.com/chainguard-dev/ec2-rescue/internal/recovery"
	"github.com/chainguard-dev/ec2-rescue/internal/remediate"
	"github.com/chainguard-dev/ec2-rescue/internal/ssh/sshtest"
)

type fixture struct {
	api     *ec2fake.EC2
	app     *App
	keys    sshtest.Keys
	journal string
	logDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("198.51.100.7"))
	}))
	t.Cleanup(srv.Close)

	api := ec2fake.New()
	api.AddInstance(ec2fake.Instance{
		ID:         "i-TARGET",
		State:      types.InstanceStateNameRunning,
		SubnetID:   "subnet-1",
		VPCID:      "vpc-1",
		RootDevice: "/dev/sda1",
	})
	api.AddVolume("vol-ROOT", "i-TARGET", "/dev/sda1")

	dir := t.TempDir()
	return &fixture{
		api: api,
		app: &App{
			NewAPI: func(context.Context, string) (ec2.API, error) { return api, nil },
			Runner: remediate.RunnerFunc(func(context.Context, remediate.Target) (remediate.Outcome, error) {
				return remediate.Outcome{}, nil
			}),
			Reachable:    func(context.Context, string, uint16) error { return nil },
			AddrEndpoint: srv.URL,
			Console:      &bytes.Buffer{},
		},
		keys:    sshtest.WriteKeys(t),
		journal: filepath.Join(dir, "journal.db"),
		logDir:  filepath.Join(dir, "logs"),
	}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := f.app.Command("test")
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append(args, "--journal", f.journal, "--log-dir", f.logDir))
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func (f *fixture) recoverArgs() []string {
	return []string{
		"recover",
		"-i", "i-TARGET",
		"-n", "rescue",
		"-k", f.keys.PrivatePath,
		"-p", f.keys.PublicPath,
		"--ami", "ami-rescue",
		"--poll-interval", time.Millisecond.String(),
		"--wait-timeout", "5s",
		"--fallback-cidr", "198.51.100.0/24",
	}
}

func TestRecoverCommand(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.run(t, f.recoverArgs()...)
		require.NoError(t, err)
		require.Contains(t, out, "recovered i-TARGET: volume vol-ROOT is attached at /dev/sda1")

		vol, ok := f.api.Volume("vol-ROOT")
		require.True(t, ok)
		require.Equal(t, "i-TARGET", vol.InstanceID)
		require.Equal(t, "/dev/sda1", vol.Device)
		require.FileExists(t, filepath.Join(f.logDir, "ec2-rescue.log"))
		require.FileExists(t, filepath.Join(f.logDir, "i-target.log"))

		j, err := journal.NewBolt(f.journal)
		require.NoError(t, err)
		sessions, err := j.List(t.Context())
		require.NoError(t, err)
		require.Empty(t, sessions)
	})
	t.Run("missing-key-file", func(t *testing.T) {
		f := newFixture(t)
		args := f.recoverArgs()
		args[6] = filepath.Join(t.TempDir(), "missing.pem")

		_, err := f.run(t, args...)
		require.ErrorIs(t, err, ErrPrecondition)
		require.Zero(t, f.api.Calls("DescribeInstances"))
	})
	t.Run("unparsable-public-key", func(t *testing.T) {
		f := newFixture(t)
		args := f.recoverArgs()
		args[8] = f.keys.PrivatePath

		_, err := f.run(t, args...)
		require.ErrorIs(t, err, ErrPrecondition)
		require.Zero(t, f.api.Calls("DescribeInstances"))
	})
	t.Run("missing-playbook", func(t *testing.T) {
		f := newFixture(t)
		f.app.Runner = nil

		_, err := f.run(t, append(f.recoverArgs(), "--playbook", filepath.Join(t.TempDir(), "missing.yml"))...)
		require.ErrorIs(t, err, ErrPrecondition)
		require.Zero(t, f.api.Calls("DescribeInstances"))
	})
	t.Run("unsupported-region", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.run(t, append(f.recoverArgs(), "-r", "eu-central-1")...)
		require.ErrorIs(t, err, ErrPrecondition)
		require.Zero(t, f.api.Calls("DescribeInstances"))
	})
	t.Run("remediation-failure-fails-command", func(t *testing.T) {
		f := newFixture(t)
		f.app.Runner = remediate.RunnerFunc(func(context.Context, remediate.Target) (remediate.Outcome, error) {
			return remediate.Outcome{ExitCode: 2}, remediate.ErrRemediation
		})

		out, err := f.run(t, f.recoverArgs()...)
		require.ErrorIs(t, err, remediate.ErrRemediation)
		require.Contains(t, out, "rolled back: volume vol-ROOT is attached at /dev/sda1")
	})
}

func TestTestCommand(t *testing.T) {
	t.Run("removes-test-instance", func(t *testing.T) {
		f := newFixture(t)
		args := f.recoverArgs()[3:]

		_, err := f.run(t, append([]string{"test"}, args...)...)
		// Launched instances carry no volume, so recovery stops at resolve-volume.
		require.ErrorIs(t, err, recovery.ErrNoMappedDevice)

		for _, i := range f.api.Instances() {
			if i.ID == "i-TARGET" {
				continue
			}
			require.Equal(t, types.InstanceStateNameTerminated, i.State, i.ID)
		}
		require.Empty(t, f.api.SecurityGroups())
	})
	t.Run("missing-public-key", func(t *testing.T) {
		f := newFixture(t)
		args := f.recoverArgs()[3:]
		args[5] = filepath.Join(t.TempDir(), "missing.pub")

		_, err := f.run(t, append([]string{"test"}, args...)...)
		require.ErrorIs(t, err, ErrPrecondition)
		require.Zero(t, f.api.Calls("RunInstances"))
	})
}

func TestRollbackAndStatus(t *testing.T) {
	f := newFixture(t)
	j, err := journal.NewBolt(f.journal)
	require.NoError(t, err)

	out, err := f.run(t, "status")
	require.NoError(t, err)
	require.Contains(t, out, "no journaled recoveries")

	// A recovery interrupted once the volume reached the rescue instance.
	f.api.AddInstance(ec2fake.Instance{
		ID:       "i-RESCUE",
		State:    types.InstanceStateNameRunning,
		SubnetID: "subnet-1",
		VPCID:    "vpc-1",
	})
	f.api.AddInstance(ec2fake.Instance{
		ID:         "i-TARGET",
		State:      types.InstanceStateNameStopped,
		SubnetID:   "subnet-1",
		VPCID:      "vpc-1",
		RootDevice: "/dev/sda1",
	})
	f.api.AddVolume("vol-ROOT", "i-RESCUE", "/dev/sdh")
	require.NoError(t, j.Save(t.Context(), &journal.Session{
		TargetID:    "i-TARGET",
		RunID:       "run-1",
		RescueID:    "i-RESCUE",
		VolumeID:    "vol-ROOT",
		MountPoint:  "/dev/sda1",
		Completed:   []string{"bind-target", "access-group", "launch-rescue", "stop-target", "resolve-volume", "detach-from-target", "attach-to-rescue"},
		LastError:   "step remediate: interrupted",
		RollingBack: true,
	}))

	out, err = f.run(t, "status")
	require.NoError(t, err)
	require.Contains(t, out, "i-TARGET")
	require.Contains(t, out, "attach-to-rescue (rolling back)")
	require.Contains(t, out, "step remediate: interrupted")

	out, err = f.run(t, "rollback", "-i", "i-TARGET", "--poll-interval", "1ms", "--wait-timeout", "5s")
	require.NoError(t, err)
	require.Contains(t, out, "rolled back: volume vol-ROOT is attached at /dev/sda1")

	vol, _ := f.api.Volume("vol-ROOT")
	require.Equal(t, "i-TARGET", vol.InstanceID)
	require.Equal(t, "/dev/sda1", vol.Device)
	rescue, _ := f.api.Instance("i-RESCUE")
	require.Equal(t, types.InstanceStateNameTerminated, rescue.State)

	out, err = f.run(t, "status")
	require.NoError(t, err)
	require.Contains(t, out, "no journaled recoveries")

	_, err = f.run(t, "rollback", "-i", "i-TARGET")
	require.ErrorIs(t, err, journal.ErrNotFound)
}

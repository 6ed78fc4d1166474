package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/spf13/cobra"
	xssh "golang.org/x/crypto/ssh"

	"github.com/chainguard-dev/ec2-rescue/internal/log"
	"github.com/chainguard-dev/ec2-rescue/internal/poll"
	"github.com/chainguard-dev/ec2-rescue/internal/recovery"
	"github.com/chainguard-dev/ec2-rescue/internal/remediate"
	"github.com/chainguard-dev/ec2-rescue/internal/ssh"
)

// workflowFlags are shared by the commands running a recovery.
type workflowFlags struct {
	keyName       string
	keyPath       string
	publicKeyPath string

	imageID      string
	instanceType string
	user         string
	device       string
	groupName    string
	fallbackCIDR string
	startTarget  bool

	playbook    string
	ansibleArgs string
	script      []string

	pollInterval time.Duration
	waitTimeout  time.Duration
	sshTimeout   time.Duration
}

func (f *workflowFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.keyName, "keyname", "n", "", "EC2 key pair installed on the rescue instance")
	flags.StringVarP(&f.keyPath, "keypair", "k", "", "private key file of the key pair")
	flags.StringVarP(&f.publicKeyPath, "public-key", "p", "", "public key file granted access to the recovered instance")
	flags.StringVar(&f.imageID, "ami", "", "AMI the rescue instance boots from")
	flags.StringVar(&f.instanceType, "instance-type", string(recovery.DefaultInstanceType), "rescue instance type")
	flags.StringVar(&f.user, "user", recovery.DefaultRemoteUser, "SSH user of the rescue instance")
	flags.StringVar(&f.device, "device", recovery.DefaultRescueDevice, "device the volume is attached at on the rescue instance")
	flags.StringVar(&f.groupName, "group-name", "", "name of the temporary security group")
	flags.StringVar(&f.fallbackCIDR, "fallback-cidr", "", "SSH ingress CIDR used when the public address cannot be resolved")
	flags.BoolVar(&f.startTarget, "start-target", false, "start the instance once recovered, if it was running")
	flags.StringVar(&f.playbook, "playbook", remediate.DefaultPlaybook, "ansible playbook run against the rescue instance")
	flags.StringVar(&f.ansibleArgs, "ansible-args", "", "extra arguments for ansible-playbook, shell quoted")
	flags.StringArrayVar(&f.script, "script", nil, "run this shell command over SSH instead of ansible (repeatable)")
	flags.DurationVar(&f.pollInterval, "poll-interval", poll.DefaultInterval, "interval between EC2 state checks")
	flags.DurationVar(&f.waitTimeout, "wait-timeout", poll.DefaultTimeout, "bound of a single wait for an EC2 state")
	flags.DurationVar(&f.sshTimeout, "ssh-timeout", recovery.DefaultSSHWaitTimeout, "bound of the wait for SSH on the rescue instance")

	for _, name := range []string{"keyname", "keypair", "public-key", "ami"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

// preconditions checks the local files before anything remote is touched.
func (f *workflowFlags) preconditions() error {
	if _, err := ssh.LoadSigner(f.keyPath, nil); err != nil {
		// Encrypted keys are left to ssh-agent.
		var missing *xssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return fmt.Errorf("%w: private key: %w", ErrPrecondition, err)
		}
	}
	if _, err := ssh.LoadPublicKey(f.publicKeyPath); err != nil {
		return fmt.Errorf("%w: public key: %w", ErrPrecondition, err)
	}
	return nil
}

func (f *workflowFlags) runner(a *App) (remediate.Runner, error) {
	if a.Runner != nil {
		return a.Runner, nil
	}
	if len(f.script) > 0 {
		return &remediate.Script{Commands: f.script}, nil
	}
	if _, err := os.Stat(f.playbook); err != nil {
		return nil, fmt.Errorf("%w: playbook: %w", ErrPrecondition, err)
	}
	extra, err := remediate.ParseExtraArgs(f.ansibleArgs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	return &remediate.Ansible{Playbook: f.playbook, ExtraArgs: extra}, nil
}

func (f *workflowFlags) wait() poll.Config {
	return poll.Config{Interval: f.pollInterval, Timeout: f.waitTimeout}
}

func (f *workflowFlags) config(targetID string) recovery.Config {
	return recovery.Config{
		TargetID:        targetID,
		ImageID:         f.imageID,
		InstanceType:    types.InstanceType(f.instanceType),
		KeyName:         f.keyName,
		KeyPath:         f.keyPath,
		PublicKeyPath:   f.publicKeyPath,
		RemoteUser:      f.user,
		RescueDevice:    f.device,
		AccessGroupName: f.groupName,
		FallbackCIDR:    f.fallbackCIDR,
		StartTarget:     f.startTarget,
		SSHWaitTimeout:  f.sshTimeout,
	}
}

func (a *App) recoverCommand() *cobra.Command {
	var (
		targetID string
		f        workflowFlags
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover an instance",
		Example: `  ec2-rescue recover -i i-0123456789abcdef0 -n rescue -k ~/.ssh/rescue.pem \
    -p ~/.ssh/id_ed25519.pub --ami ami-0abcdef1234567890`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := f.preconditions(); err != nil {
				return err
			}
			runner, err := f.runner(a)
			if err != nil {
				return err
			}
			j, err := a.journal()
			if err != nil {
				return err
			}
			client, err := a.client(ctx, &f)
			if err != nil {
				return err
			}

			ctx, done := log.ForTarget(ctx, a.logDir, targetID)
			defer done()

			cfg := f.config(targetID)
			cfg.AddrEndpoint = a.AddrEndpoint
			res, err := recovery.New(client, runner, j, cfg, a.options()...).Run(ctx)
			report(cmd.OutOrStdout(), res)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %s: volume %s is attached at %s\n", targetID, res.VolumeID, res.MountPoint)
			return nil
		},
	}
	cmd.Flags().StringVarP(&targetID, "instance", "i", "", "id of the instance to recover")
	_ = cmd.MarkFlagRequired("instance")
	f.register(cmd)
	return cmd
}

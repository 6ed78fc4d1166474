package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chainguard-dev/ec2-rescue/internal/ec2"
	"github.com/chainguard-dev/ec2-rescue/internal/log"
	"github.com/chainguard-dev/ec2-rescue/internal/recovery"
)

// TestGroupName is the security group of the throwaway instance launched by
// 'test'.
const TestGroupName = "testInstanceSecurityGroup"

func (a *App) testCommand() *cobra.Command {
	var f workflowFlags
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Launch a throwaway instance, recover it, then remove it",
		Long: `test exercises a full recovery in your account: an instance is launched
from the rescue AMI in its own security group, recovered, then terminated
together with its group.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
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

			target, cleanup, err := launchTestTarget(ctx, client, &f, a.AddrEndpoint)
			defer func() {
				// Cleanup is not tied to the command's context, which may be
				// canceled by now.
				err = errors.Join(err, cleanup(context.WithoutCancel(ctx)))
			}()
			if err != nil {
				return err
			}

			ctx, done := log.ForTarget(ctx, a.logDir, target.ID())
			defer done()

			cfg := f.config(target.ID())
			cfg.AddrEndpoint = a.AddrEndpoint
			res, err := recovery.New(client, runner, j, cfg, a.options()...).Run(ctx)
			report(cmd.OutOrStdout(), res)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "test recovery of %s succeeded\n", target.ID())
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// launchTestTarget launches the instance to recover. The returned cleanup is
// always non-nil and removes whatever was created.
func launchTestTarget(ctx context.Context, client *ec2.Client, f *workflowFlags, addrEndpoint string) (*ec2.Instance, func(context.Context) error, error) {
	runID := uuid.NewString()
	group := client.AccessGroup(TestGroupName, ec2.AccessGroupOptions{
		AddrEndpoint: addrEndpoint,
		FallbackCIDR: f.fallbackCIDR,
		Tags:         ec2.RunTags(runID, ""),
	})
	var target *ec2.Instance
	cleanup := func(ctx context.Context) error {
		var errs error
		if target != nil {
			errs = target.Terminate(ctx)
		}
		// A group which cannot be deleted is only warned about.
		_ = group.Delete(ctx)
		return errs
	}

	if err := group.Create(ctx); err != nil {
		return nil, cleanup, err
	}
	target, err := client.CreateInstance(ctx, ec2.LaunchOptions{
		ImageID:          f.imageID,
		InstanceType:     types.InstanceType(f.instanceType),
		KeyName:          f.keyName,
		SecurityGroupIDs: []string{group.ID()},
		Name:             "ec2-rescue-test",
		Tags:             ec2.RunTags(runID, ""),
	})
	if err != nil {
		return nil, cleanup, err
	}
	log.Info(ctx, "launched test instance", "id", target.ID())
	return target, cleanup, nil
}

// cli exposes the recovery workflow as the 'ec2-rescue' command.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/spf13/cobra"

	"github.com/chainguard-dev/ec2-rescue/internal/ec2"
	"github.com/chainguard-dev/ec2-rescue/internal/journal"
	"github.com/chainguard-dev/ec2-rescue/internal/log"
	"github.com/chainguard-dev/ec2-rescue/internal/recovery"
	"github.com/chainguard-dev/ec2-rescue/internal/remediate"
)

const (
	DefaultRegion = "eu-west-1"
	DefaultLogDir = "logs"
)

var ErrPrecondition = fmt.Errorf("precondition failed")

// Regions the tool is supported in.
var Regions = []string{
	"us-east-1",
	"us-east-2",
	"us-west-1",
	"eu-west-1",
	"ap-southeast-1",
	"ap-southeast-2",
	"ap-northeast-1",
	"sa-east-1",
}

// App holds what the commands need from the outside world. The zero value
// talks to AWS.
type App struct {
	// NewAPI returns the EC2 API of 'region'.
	NewAPI func(ctx context.Context, region string) (ec2.API, error)

	// Runner replaces the remediation selected by flags.
	Runner remediate.Runner

	// Reachable replaces the SSH reachability wait.
	Reachable recovery.ReachableFunc

	// AddrEndpoint replaces the public address lookup endpoint.
	AddrEndpoint string

	// Console receives the console log. Defaults to the command's stderr.
	Console io.Writer

	// LogHandlers receive every log record besides the console and files.
	LogHandlers []slog.Handler

	region      string
	journalPath string
	noJournal   bool
	logDir      string
	debug       bool

	closeLog func()
}

// Execute runs the command line against AWS.
func Execute(ctx context.Context, version string, logHandlers ...slog.Handler) error {
	return (&App{LogHandlers: logHandlers}).Command(version).ExecuteContext(ctx)
}

// Command returns the root command.
func (a *App) Command(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "ec2-rescue",
		Short: "Recover an unreachable EC2 instance by repairing its root volume on a rescue instance",
		Long: `ec2-rescue repairs the root volume of an EC2 instance which can no longer
be reached (lost SSH key, broken boot configuration).

The target is stopped, its root volume is moved to a temporary rescue
instance, a remediation playbook is run against the rescue instance, then the
volume is moved back to the target at its original mount-point.

Progress is journaled: an interrupted recovery is resumed by running the
same command again, or undone with 'rollback'.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(Regions, a.region) {
				return fmt.Errorf("%w: unsupported region %q, must be one of %s",
					ErrPrecondition, a.region, strings.Join(Regions, ", "))
			}
			console := a.Console
			if console == nil {
				console = cmd.ErrOrStderr()
			}
			ctx, closeLog, err := log.Setup(cmd.Context(), log.Options{
				Debug:    a.debug,
				Dir:      a.logDir,
				Console:  console,
				Handlers: a.LogHandlers,
			})
			if err != nil {
				return err
			}
			a.closeLog = closeLog
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closeLog != nil {
				a.closeLog()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.region, "region", "r", DefaultRegion, "AWS region of the instance")
	root.PersistentFlags().StringVar(&a.journalPath, "journal", "", "journal file (default ~/.ec2-rescue/journal.db)")
	root.PersistentFlags().BoolVar(&a.noJournal, "no-journal", false, "keep recovery progress in memory only, disabling resume")
	root.PersistentFlags().StringVar(&a.logDir, "log-dir", DefaultLogDir, "directory receiving the log files, empty to disable")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "log debug messages to the console")

	root.AddCommand(
		a.recoverCommand(),
		a.testCommand(),
		a.rollbackCommand(),
		a.statusCommand(),
	)
	return root
}

func (a *App) client(ctx context.Context, f *workflowFlags) (*ec2.Client, error) {
	newAPI := a.NewAPI
	if newAPI == nil {
		newAPI = awsAPI
	}
	api, err := newAPI(ctx, a.region)
	if err != nil {
		return nil, err
	}
	return ec2.NewClient(api, f.wait()), nil
}

func awsAPI(ctx context.Context, region string) (ec2.API, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return awsec2.NewFromConfig(cfg), nil
}

func (a *App) journal() (journal.Journal, error) {
	if a.noJournal {
		return journal.NewMemory(), nil
	}
	path := a.journalPath
	if path == "" {
		var err error
		if path, err = journal.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return journal.NewBolt(path)
}

func (a *App) options() []recovery.Option {
	if a.Reachable == nil {
		return nil
	}
	return []recovery.Option{recovery.WithReachabilityCheck(a.Reachable)}
}

func report(out io.Writer, res *recovery.Result) {
	if res == nil {
		return
	}
	if res.RolledBack {
		fmt.Fprintf(out, "rolled back: volume %s is attached at %s\n", res.VolumeID, res.MountPoint)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "warning: %v\n", w)
	}
}

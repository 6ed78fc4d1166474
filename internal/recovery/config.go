package recovery

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	DefaultInstanceType    = types.InstanceTypeT3Micro
	DefaultRemoteUser      = "ec2-user"
	DefaultRescueDevice    = "/dev/sdh"
	DefaultRollbackTimeout = 30 * time.Minute
	DefaultSSHWaitTimeout  = 5 * time.Minute
)

// Config describes one recovery of one target instance.
type Config struct {
	// TargetID is the instance whose root volume is repaired.
	TargetID string

	// ImageID is the AMI the rescue instance boots from. It must be able to
	// run the remediation (ex: an Amazon Linux image for the ansible
	// playbook).
	ImageID      string
	InstanceType types.InstanceType

	// KeyName is the EC2 key pair installed on the rescue instance, KeyPath
	// the matching private key on this machine.
	KeyName string
	KeyPath string

	// PublicKeyPath is the key granted access to the target by remediation.
	PublicKeyPath string

	RemoteUser   string
	SSHPort      uint16
	RescueDevice string

	// AccessGroupName defaults to 'ec2.DefaultAccessGroupName'.
	AccessGroupName string
	AddrEndpoint    string
	FallbackCIDR    string
	HTTPClient      *http.Client

	// StartTarget starts the target again once it has its volume back, if it
	// was running when the recovery began.
	StartTarget bool

	// SSHWaitTimeout bounds the wait for the rescue instance to accept SSH.
	SSHWaitTimeout time.Duration

	// RollbackTimeout bounds the rollback, which runs even when the run's
	// context was canceled.
	RollbackTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.InstanceType == "" {
		c.InstanceType = DefaultInstanceType
	}
	if c.RemoteUser == "" {
		c.RemoteUser = DefaultRemoteUser
	}
	if c.SSHPort == 0 {
		c.SSHPort = 22
	}
	if c.RescueDevice == "" {
		c.RescueDevice = DefaultRescueDevice
	}
	if c.SSHWaitTimeout == 0 {
		c.SSHWaitTimeout = DefaultSSHWaitTimeout
	}
	if c.RollbackTimeout == 0 {
		c.RollbackTimeout = DefaultRollbackTimeout
	}
}

func (c *Config) validate() error {
	if c.TargetID == "" {
		return fmt.Errorf("target instance id is required")
	}
	if c.ImageID == "" {
		return fmt.Errorf("rescue image id is required")
	}
	if c.KeyName == "" {
		return fmt.Errorf("key pair name is required")
	}
	if c.KeyPath == "" {
		return fmt.Errorf("private key path is required")
	}
	if c.PublicKeyPath == "" {
		return fmt.Errorf("public key path is required")
	}
	if c.FallbackCIDR != "" {
		if _, _, err := net.ParseCIDR(c.FallbackCIDR); err != nil {
			return fmt.Errorf("fallback CIDR: %w", err)
		}
	}
	return nil
}

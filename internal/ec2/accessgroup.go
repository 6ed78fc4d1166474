package ec2

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

const (
	DefaultAccessGroupName = "ec2-rescue:SecurityGroup"
	portSSH                = 22
)

var (
	ErrAccessGroupLookup  = fmt.Errorf("failed to look up security group")
	ErrAccessGroupCreate  = fmt.Errorf("failed to create security group")
	ErrAccessGroupIngress = fmt.Errorf("failed to add security group rule")
	ErrCleanup            = fmt.Errorf("failed to clean up security group")
)

// AccessGroupOptions configures an 'AccessGroup'.
type AccessGroupOptions struct {
	// VPCID scopes both the lookup and the creation of the group.
	VPCID string

	// Port is the TCP port opened to the caller. Defaults to 22.
	Port int32

	// AddrEndpoint is queried for the caller's public address. Defaults to
	// 'DefaultAddrEndpoint'.
	AddrEndpoint string

	// FallbackCIDR is authorized when the public address lookup fails. When
	// empty, a failed lookup leaves the group without any ingress rule.
	FallbackCIDR string

	// HTTPClient performs the address lookup. Defaults to 'http.DefaultClient'.
	HTTPClient *http.Client

	Tags map[string]string
}

// AccessGroup is a named security group scoping SSH ingress to the operator.
//
// It moves from absent to present on 'Create' (either reusing a group with
// the same name or creating a new one) and back to absent on 'Delete'.
type AccessGroup struct {
	client *Client
	name   string
	opts   AccessGroupOptions

	id     string
	reused bool
}

// AccessGroup returns an unbound handle for the group named 'name'.
func (c *Client) AccessGroup(name string, opts AccessGroupOptions) *AccessGroup {
	if name == "" {
		name = DefaultAccessGroupName
	}
	if opts.Port == 0 {
		opts.Port = portSSH
	}
	if opts.AddrEndpoint == "" {
		opts.AddrEndpoint = DefaultAddrEndpoint
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &AccessGroup{client: c, name: name, opts: opts}
}

func (g *AccessGroup) Name() string { return g.name }
func (g *AccessGroup) ID() string   { return g.id }

// Reused reports whether 'Create' bound to a group that already existed.
func (g *AccessGroup) Reused() bool { return g.reused }

// Create binds to the group named after this handle, creating it if absent.
//
// An existing group is reused as-is: it is assumed to be scoped correctly by
// the run that created it, so no rule is added. A new group receives a single
// TCP ingress rule on 'Port' from the caller's public address (/32).
func (g *AccessGroup) Create(ctx context.Context) error {
	log := clog.FromContext(ctx).With("name", g.name)
	if g.id != "" {
		return nil
	}

	existing, err := g.lookup(ctx)
	if err != nil {
		return err
	}
	if existing != "" {
		g.id = existing
		g.reused = true
		log.Info("reusing existing security group", "id", g.id)
		return nil
	}

	log.Info("creating temporary security group for rescuing")
	input := &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(g.name),
		Description: aws.String(g.name),
		TagSpecifications: tagSpecificationWithDefaults(
			types.ResourceTypeSecurityGroup,
			append(tagsFromMap(g.opts.Tags), tagName(g.name))...,
		),
	}
	if g.opts.VPCID != "" {
		input.VpcId = aws.String(g.opts.VPCID)
	}
	result, err := g.client.API.CreateSecurityGroup(ctx, input)
	if err != nil {
		if errorCode(err) != "InvalidGroup.Duplicate" {
			return fmt.Errorf("%w [%s]: %w", ErrAccessGroupCreate, g.name, err)
		}
		// Another run created the group between the lookup and here.
		existing, lerr := g.lookup(ctx)
		if lerr != nil || existing == "" {
			return fmt.Errorf("%w [%s]: %w", ErrAccessGroupCreate, g.name, err)
		}
		g.id = existing
		g.reused = true
		log.Info("security group created concurrently, reusing it", "id", g.id)
		return nil
	}
	g.id = aws.ToString(result.GroupId)
	log.Info("created security group", "id", g.id)

	cidr := g.ingressCIDR(ctx)
	if cidr == "" {
		log.Warn("no ingress rule added, the rescue instance will not be reachable over SSH", "id", g.id)
		return nil
	}
	if _, err := g.client.API.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:           aws.String(g.id),
		IpProtocol:        aws.String("tcp"),
		FromPort:          aws.Int32(g.opts.Port),
		ToPort:            aws.Int32(g.opts.Port),
		CidrIp:            aws.String(cidr),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeSecurityGroupRule),
	}); err != nil {
		return fmt.Errorf("%w [%s]: %w", ErrAccessGroupIngress, g.id, err)
	}
	log.Info("authorized SSH ingress", "id", g.id, "from", cidr, "port", g.opts.Port)
	return nil
}

// Bind attaches the handle to a known group id without any lookup.
func (g *AccessGroup) Bind(id string) {
	g.id = id
}

// Delete deletes the bound group.
//
// Failure (ex: the group is still referenced by a network interface) is
// logged as a warning and returned as 'ErrCleanup'. It is not retried; the
// group must then be removed by hand.
func (g *AccessGroup) Delete(ctx context.Context) error {
	log := clog.FromContext(ctx).With("name", g.name, "id", g.id)
	if g.id == "" {
		return nil
	}
	log.Info("deleting security group")
	if _, err := g.client.API.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: aws.String(g.id),
	}); err != nil {
		if isNotFound(err) {
			log.Info("security group already gone")
			g.id = ""
			return nil
		}
		log.Warn("failed to delete security group, it must be removed manually", "code", errorCode(err), "error", err)
		return fmt.Errorf("%w [%s]: %w", ErrCleanup, g.id, err)
	}
	log.Info("security group deleted")
	g.id = ""
	return nil
}

func (g *AccessGroup) lookup(ctx context.Context) (string, error) {
	filters := []types.Filter{{
		Name:   aws.String("group-name"),
		Values: []string{g.name},
	}}
	if g.opts.VPCID != "" {
		filters = append(filters, types.Filter{
			Name:   aws.String("vpc-id"),
			Values: []string{g.opts.VPCID},
		})
	}
	result, err := g.client.API.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: filters,
	})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("%w [%s]: %w", ErrAccessGroupLookup, g.name, err)
	}
	for _, sg := range result.SecurityGroups {
		if aws.ToString(sg.GroupName) == g.name {
			return aws.ToString(sg.GroupId), nil
		}
	}
	return "", nil
}

// ingressCIDR resolves the source range of the SSH rule. An empty result
// means no rule should be added.
func (g *AccessGroup) ingressCIDR(ctx context.Context) string {
	log := clog.FromContext(ctx)
	addr, err := publicAddr(ctx, g.opts.HTTPClient, g.opts.AddrEndpoint)
	if err == nil {
		log.Info("identified local station public IP address", "addr", addr)
		cidr, err := singleAddrCIDR(addr)
		if err == nil {
			return cidr
		}
		log.Warn("public address is not usable", "addr", addr, "error", err)
	} else {
		log.Warn("public address lookup failed", "endpoint", g.opts.AddrEndpoint, "error", err)
	}

	if g.opts.FallbackCIDR == "" {
		return ""
	}
	if _, _, err := net.ParseCIDR(g.opts.FallbackCIDR); err != nil {
		log.Warn("fallback CIDR is invalid", "cidr", g.opts.FallbackCIDR, "error", err)
		return ""
	}
	log.Info("using fallback CIDR for SSH ingress", "cidr", g.opts.FallbackCIDR)
	return g.opts.FallbackCIDR
}

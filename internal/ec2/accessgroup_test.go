package ec2

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/require"

	"github.com/chainguard-dev/ec2-rescue/internal/ec2/ec2fake"
)

func addrServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// recorder captures log records so tests can assert on levels.
type recorder struct {
	mu      sync.Mutex
	records []slog.Record
}

func (r *recorder) Enabled(context.Context, slog.Level) bool { return true }
func (r *recorder) WithAttrs([]slog.Attr) slog.Handler       { return r }
func (r *recorder) WithGroup(string) slog.Handler            { return r }
func (r *recorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) count(level slog.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Level == level {
			n++
		}
	}
	return n
}

func TestAccessGroupCreate(t *testing.T) {
	t.Run("creates-with-single-address-rule", func(t *testing.T) {
		c, api := newTestClient(t)
		srv := addrServer(t, http.StatusOK, "198.51.100.7\n")

		g := c.AccessGroup("", AccessGroupOptions{VPCID: "vpc-1", AddrEndpoint: srv.URL})
		require.NoError(t, g.Create(t.Context()))
		require.Equal(t, DefaultAccessGroupName, g.Name())
		require.NotEmpty(t, g.ID())
		require.False(t, g.Reused())

		groups := api.SecurityGroups()
		require.Len(t, groups, 1)
		require.Equal(t, "vpc-1", groups[0].VPCID)
		require.Equal(t, []string{"198.51.100.7/32"}, groups[0].Ingress)
	})
	t.Run("idempotent", func(t *testing.T) {
		c, api := newTestClient(t)
		srv := addrServer(t, http.StatusOK, "198.51.100.7")
		opts := AccessGroupOptions{VPCID: "vpc-1", AddrEndpoint: srv.URL}

		first := c.AccessGroup("rescue", opts)
		require.NoError(t, first.Create(t.Context()))
		second := c.AccessGroup("rescue", opts)
		require.NoError(t, second.Create(t.Context()))

		require.Equal(t, first.ID(), second.ID())
		require.True(t, second.Reused())
		groups := api.SecurityGroups()
		require.Len(t, groups, 1)
		require.Len(t, groups[0].Ingress, 1)
		require.Equal(t, 1, api.Calls("CreateSecurityGroup"))
		require.Equal(t, 1, api.Calls("AuthorizeSecurityGroupIngress"))
	})
	t.Run("same-name-other-vpc", func(t *testing.T) {
		c, api := newTestClient(t)
		api.AddSecurityGroup(ec2fake.SecurityGroup{ID: "sg-elsewhere", Name: "rescue", VPCID: "vpc-2"})
		srv := addrServer(t, http.StatusOK, "198.51.100.7")

		g := c.AccessGroup("rescue", AccessGroupOptions{VPCID: "vpc-1", AddrEndpoint: srv.URL})
		require.NoError(t, g.Create(t.Context()))
		require.NotEqual(t, "sg-elsewhere", g.ID())
		require.False(t, g.Reused())
	})
	t.Run("lookup-failure-uses-fallback", func(t *testing.T) {
		c, api := newTestClient(t)
		srv := addrServer(t, http.StatusServiceUnavailable, "")

		g := c.AccessGroup("rescue", AccessGroupOptions{AddrEndpoint: srv.URL, FallbackCIDR: "192.0.2.0/24"})
		require.NoError(t, g.Create(t.Context()))
		require.Equal(t, []string{"192.0.2.0/24"}, api.SecurityGroups()[0].Ingress)
	})
	t.Run("lookup-failure-without-fallback", func(t *testing.T) {
		c, api := newTestClient(t)
		srv := addrServer(t, http.StatusOK, "no address here")

		g := c.AccessGroup("rescue", AccessGroupOptions{AddrEndpoint: srv.URL})
		require.NoError(t, g.Create(t.Context()))
		require.Empty(t, api.SecurityGroups()[0].Ingress)
		require.Zero(t, api.Calls("AuthorizeSecurityGroupIngress"))
	})
	t.Run("created-concurrently", func(t *testing.T) {
		c, api := newTestClient(t)
		srv := addrServer(t, http.StatusOK, "198.51.100.7")
		// The group shows up after the lookup, before the create lands.
		api.OnCall("CreateSecurityGroup", func() {
			api.AddSecurityGroup(ec2fake.SecurityGroup{ID: "sg-other-run", Name: "rescue", VPCID: "vpc-1", Tags: map[string]string{}})
		})

		g := c.AccessGroup("rescue", AccessGroupOptions{VPCID: "vpc-1", AddrEndpoint: srv.URL})
		require.NoError(t, g.Create(t.Context()))
		require.Equal(t, "sg-other-run", g.ID())
		require.True(t, g.Reused())
		require.Len(t, api.SecurityGroups(), 1)
		require.Zero(t, api.Calls("AuthorizeSecurityGroupIngress"))
		require.Equal(t, 2, api.Calls("DescribeSecurityGroups"))
	})
	t.Run("create-rejected", func(t *testing.T) {
		c, api := newTestClient(t)
		api.FailOn("CreateSecurityGroup", ec2fake.APIError("UnauthorizedOperation", "denied"))

		g := c.AccessGroup("rescue", AccessGroupOptions{})
		require.ErrorIs(t, g.Create(t.Context()), ErrAccessGroupCreate)
		require.Empty(t, g.ID())
	})
}

func TestAccessGroupDelete(t *testing.T) {
	t.Run("deletes", func(t *testing.T) {
		c, api := newTestClient(t)
		srv := addrServer(t, http.StatusOK, "198.51.100.7")
		g := c.AccessGroup("rescue", AccessGroupOptions{AddrEndpoint: srv.URL})
		require.NoError(t, g.Create(t.Context()))

		require.NoError(t, g.Delete(t.Context()))
		require.Empty(t, api.SecurityGroups())
		require.Empty(t, g.ID())

		// Unbound, nothing to do.
		require.NoError(t, g.Delete(t.Context()))
		require.Equal(t, 1, api.Calls("DeleteSecurityGroup"))
	})
	t.Run("failure-is-warning", func(t *testing.T) {
		c, api := newTestClient(t)
		api.AddSecurityGroup(ec2fake.SecurityGroup{ID: "sg-busy", Name: "rescue"})
		api.AddInstance(ec2fake.Instance{
			ID:             "i-user",
			State:          types.InstanceStateNameRunning,
			SecurityGroups: []string{"sg-busy"},
		})

		rec := &recorder{}
		ctx := clog.WithLogger(t.Context(), clog.New(rec))

		g := c.AccessGroup("rescue", AccessGroupOptions{})
		g.Bind("sg-busy")
		err := g.Delete(ctx)
		require.ErrorIs(t, err, ErrCleanup)
		require.Equal(t, 1, rec.count(slog.LevelWarn))
		require.Zero(t, rec.count(slog.LevelError))
		require.Len(t, api.SecurityGroups(), 1)
	})
	t.Run("already-gone", func(t *testing.T) {
		c, _ := newTestClient(t)
		g := c.AccessGroup("rescue", AccessGroupOptions{})
		g.Bind("sg-gone")
		require.NoError(t, g.Delete(t.Context()))
	})
}

func TestPublicAddr(t *testing.T) {
	for _, tc := range []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{name: "plain", status: http.StatusOK, body: "203.0.113.9\n", want: "203.0.113.9"},
		{name: "html", status: http.StatusOK, body: "<html><body>Current IP Address: 203.0.113.9</body></html>", want: "203.0.113.9"},
		{name: "skips-invalid", status: http.StatusOK, body: "999.1.1.1 then 203.0.113.9", want: "203.0.113.9"},
		{name: "bad-status", status: http.StatusInternalServerError, body: "203.0.113.9", wantErr: true},
		{name: "empty", status: http.StatusOK, body: "", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := addrServer(t, tc.status, tc.body)
			got, err := publicAddr(t.Context(), srv.Client(), srv.URL)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrPublicIPLookup)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestSingleAddrCIDR(t *testing.T) {
	got, err := singleAddrCIDR("203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9/32", got)

	got, err = singleAddrCIDR("2001:db8::1")
	require.NoError(t, err)
	require.Equal(t, "2001:db8::1/128", got)

	_, err = singleAddrCIDR("not-an-ip")
	require.ErrorIs(t, err, ErrAddressInvalid)
}

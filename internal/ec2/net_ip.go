package ec2

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"
)

// DefaultAddrEndpoint echoes the caller's public address in the response
// body.
const DefaultAddrEndpoint = "https://checkip.amazonaws.com"

var (
	ErrPublicIPLookup = fmt.Errorf("failed to resolve public IP address")
	ErrAddressInvalid = fmt.Errorf("failed to parse provided IP address")
)

var ipv4Pattern = regexp.MustCompile(`[0-9]+(?:\.[0-9]+){3}`)

// publicAddr returns the public IPv4 address of the calling system, as seen
// by 'endpoint'.
//
// SSH to the rescue instance is restricted to this address, so the rescue
// instance is never reachable from the open internet. The first IPv4-shaped
// substring of the response body is used, which tolerates endpoints that
// answer with HTML.
func publicAddr(ctx context.Context, client *http.Client, endpoint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublicIPLookup, err)
	}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublicIPLookup, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("%w: received HTTP status code %d", ErrPublicIPLookup, res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublicIPLookup, err)
	}
	for _, candidate := range ipv4Pattern.FindAllString(string(data), -1) {
		if ip := net.ParseIP(candidate); ip != nil && ip.To4() != nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no IPv4 address in response from %s", ErrPublicIPLookup, endpoint)
}

// singleAddrCIDR returns the single-address CIDR notation of 'addr'.
func singleAddrCIDR(addr string) (string, error) {
	ip := net.ParseIP(addr)
	switch {
	case ip == nil:
		return "", fmt.Errorf("%w: %q", ErrAddressInvalid, addr)
	case ip.To4() != nil:
		return fmt.Sprintf("%s/32", ip.To4()), nil
	default:
		return fmt.Sprintf("%s/128", ip), nil
	}
}

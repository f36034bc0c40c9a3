package transport

import (
	"context"
	"fmt"
	"net/url"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Prober checks that an endpoint answers before it is used.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

type ProberFunc func(ctx context.Context, endpoint string) error

func (f ProberFunc) Probe(ctx context.Context, endpoint string) error {
	return f(ctx, endpoint)
}

// DialProber opens and immediately closes a channel.
type DialProber struct {
	Dialer Dialer
}

func (p *DialProber) Probe(ctx context.Context, endpoint string) error {
	ch, err := p.Dialer.Dial(ctx, endpoint)
	if err != nil {
		return err
	}
	return ch.Close()
}

// GRPCHealthProber runs the standard gRPC health check against the host of
// the endpoint, for relays that expose one.
type GRPCHealthProber struct {
	Service     string
	DialOptions []grpc.DialOption
}

func (p *GRPCHealthProber) Probe(ctx context.Context, endpoint string) error {
	target := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		target = u.Host
	}

	opts := p.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return fmt.Errorf("failed to create health client for %s: %w", target, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.Unimplemented {
			// reachable, just no health service
			return nil
		}
		return fmt.Errorf("health check %s: %w", target, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check %s: status %s", target, resp.GetStatus())
	}
	return nil
}

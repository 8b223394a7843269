// Package identity provides SPIFFE/SPIRE-backed workload identity for the
// lifecycle gRPC server: mTLS transport credentials sourced from a SPIRE
// agent's Workload API instead of a static certificate/key pair.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffegrpc/grpccredentials"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"google.golang.org/grpc/credentials"
)

// WorkloadSource wraps a SPIFFE Workload API X.509 source, used to mint
// server-side mTLS transport credentials for the lifecycle notifier.
type WorkloadSource struct {
	source *workloadapi.X509Source
}

// NewWorkloadSource connects to the SPIRE agent at socketPath and fetches
// this process's X.509 SVID. A short timeout avoids blocking process
// startup indefinitely when no SPIRE agent is reachable.
func NewWorkloadSource(socketPath string) (*WorkloadSource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("identity: connect to SPIRE workload API at %s: %w", socketPath, err)
	}
	return &WorkloadSource{source: source}, nil
}

// ServerCredentials returns gRPC transport credentials that require every
// client to present a valid SPIFFE SVID. Authorization by identity (which
// CI/CD system is allowed to subscribe) is left to the lifecycle service's
// own bookkeeping, not to the transport, so any authenticated SVID passes.
func (w *WorkloadSource) ServerCredentials() credentials.TransportCredentials {
	return grpccredentials.MTLSServerCredentials(w.source, w.source, tlsconfig.AuthorizeAny())
}

// Close releases the connection to the SPIRE agent.
func (w *WorkloadSource) Close() error {
	return w.source.Close()
}

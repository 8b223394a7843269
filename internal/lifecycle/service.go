// Package lifecycle exposes flow version deploy/approve/rollback
// transitions as a gRPC server-streaming feed, so an external CI/CD
// pipeline can watch deployments land without polling the REST version
// endpoints. The service descriptor here is written by hand in the shape
// protoc-gen-go-grpc would produce, carrying plain Go structs over the
// lifecycle-json codec instead of generated protobuf types.
package lifecycle

import (
	"context"

	"google.golang.org/grpc"
)

// Event is one version-lifecycle transition: a version approved, deployed,
// or a flow rolled back to a prior version.
type Event struct {
	VersionID string `json:"version_id"`
	FlowID    string `json:"flow_id"`
	Status    string `json:"status"`
	Actor     string `json:"actor,omitempty"`
	AtUnix    int64  `json:"at_unix"`
}

// WatchRequest scopes a subscription to one flow's events, or every flow's
// events when FlowID is empty.
type WatchRequest struct {
	FlowID string `json:"flow_id,omitempty"`
}

const serviceName = "flowengine.lifecycle.LifecycleService"

// ServiceServer is the server-side contract for the lifecycle stream.
type ServiceServer interface {
	WatchDeployments(*WatchRequest, LifecycleService_WatchDeploymentsServer) error
}

// LifecycleService_WatchDeploymentsServer is the server-streaming handle a
// ServiceServer implementation uses to push Events to one subscriber.
type LifecycleService_WatchDeploymentsServer interface {
	Send(*Event) error
	grpc.ServerStream
}

type lifecycleWatchDeploymentsServer struct {
	grpc.ServerStream
}

func (x *lifecycleWatchDeploymentsServer) Send(e *Event) error {
	return x.ServerStream.SendMsg(e)
}

func watchDeploymentsHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ServiceServer).WatchDeployments(req, &lifecycleWatchDeploymentsServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchDeployments",
			Handler:       watchDeploymentsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "internal/lifecycle/service.go",
}

// RegisterServiceServer registers srv with s, the same shape
// protoc-gen-go-grpc generates for a service's RegisterXServer function.
func RegisterServiceServer(s grpc.ServiceRegistrar, srv ServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ServiceClient is the client-side contract for subscribing to the stream.
type ServiceClient interface {
	WatchDeployments(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (LifecycleService_WatchDeploymentsClient, error)
}

type lifecycleClient struct {
	cc grpc.ClientConnInterface
}

// NewServiceClient builds a client bound to cc. Callers should dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(lifecycle.CodecName))
// so the connection negotiates the lifecycle-json codec.
func NewServiceClient(cc grpc.ClientConnInterface) ServiceClient {
	return &lifecycleClient{cc: cc}
}

// CodecName is the content-subtype callers must request via
// grpc.CallContentSubtype when dialing this service.
const CodecName = jsonCodecName

func (c *lifecycleClient) WatchDeployments(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (LifecycleService_WatchDeploymentsClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+serviceName+"/WatchDeployments", opts...)
	if err != nil {
		return nil, err
	}
	x := &lifecycleWatchDeploymentsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// LifecycleService_WatchDeploymentsClient is the client-streaming handle
// returned by ServiceClient.WatchDeployments.
type LifecycleService_WatchDeploymentsClient interface {
	Recv() (*Event, error)
	grpc.ClientStream
}

type lifecycleWatchDeploymentsClient struct {
	grpc.ClientStream
}

func (x *lifecycleWatchDeploymentsClient) Recv() (*Event, error) {
	m := new(Event)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Package replicav1 defines the replica.v1.Control gRPC service spoken
// between replicad and its clients. Messages are google.protobuf.Struct
// values carrying the JSON form of the types in this package.
package replicav1

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "replica.v1.Control"

// Method names of the Control service.
const (
	MethodGetQueueStatus  = "GetQueueStatus"
	MethodGetHealthStatus = "GetHealthStatus"
	MethodListHistory     = "ListHistory"
	MethodShutdown        = "Shutdown"
)

// FullMethod returns the /service/method path of a Control method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ControlServer is implemented by the daemon.
type ControlServer interface {
	GetQueueStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetHealthStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Shutdown(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv ControlServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func handler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
		})
	}
}

// ServiceDesc describes the Control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: MethodGetQueueStatus,
			Handler: handler(MethodGetQueueStatus, func(s ControlServer, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
				return s.GetQueueStatus(ctx, r)
			}),
		},
		{
			MethodName: MethodGetHealthStatus,
			Handler: handler(MethodGetHealthStatus, func(s ControlServer, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
				return s.GetHealthStatus(ctx, r)
			}),
		},
		{
			MethodName: MethodListHistory,
			Handler: handler(MethodListHistory, func(s ControlServer, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
				return s.ListHistory(ctx, r)
			}),
		},
		{
			MethodName: MethodShutdown,
			Handler: handler(MethodShutdown, func(s ControlServer, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
				return s.Shutdown(ctx, r)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replica/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ControlClient calls the Control service.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps a connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

// Call invokes method with req encoded as a Struct and decodes the reply
// into resp. req may be nil.
func (c *ControlClient) Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in := &structpb.Struct{}
	if req != nil {
		var err error
		if in, err = Encode(req); err != nil {
			return err
		}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return Decode(out, resp)
}

// Encode converts v to a Struct through its JSON form. v must encode to a
// JSON object.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

// Decode fills v from the JSON form of s.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

package daemon

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	replicav1 "github.com/jamesainslie/replica/pkg/api/replica/v1"
)

// DefaultHistoryLimit caps ListHistory when the request has no limit.
const DefaultHistoryLimit = 100

var _ replicav1.ControlServer = (*Service)(nil)

func encode(v any) (*structpb.Struct, error) {
	s, err := replicav1.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// GetQueueStatus implements replicav1.ControlServer.
func (s *Service) GetQueueStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(s.Status())
}

// GetHealthStatus implements replicav1.ControlServer.
func (s *Service) GetHealthStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(s.Health())
}

// ListHistory implements replicav1.ControlServer.
func (s *Service) ListHistory(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var r replicav1.HistoryRequest
	if err := replicav1.Decode(req, &r); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if r.Limit <= 0 {
		r.Limit = DefaultHistoryLimit
	}

	resp, err := s.History(r.Limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encode(resp)
}

// Shutdown implements replicav1.ControlServer. The daemon stops after the
// reply has been sent.
func (s *Service) Shutdown(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.log.Info("shutdown requested over control socket")
	s.RequestShutdown()
	return encode(replicav1.ShutdownResponse{Success: true})
}

package queuev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "greenrack.queue.v1.QueueService"

const (
	methodPoll        = "Poll"
	methodAcknowledge = "Acknowledge"
	methodHeartbeat   = "Heartbeat"
	methodSubmit      = "Submit"
	methodStatus      = "Status"
)

func fullMethod(m string) string { return "/" + ServiceName + "/" + m }

// QueueServiceServer is implemented by the master.
type QueueServiceServer interface {
	Poll(ctx context.Context, req *PollRequest) (*PollResponse, error)
	Acknowledge(ctx context.Context, req *AckRequest) (*AckResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
}

// unary adapts a typed method to a grpc.MethodHandler that speaks Struct on the wire.
func unary[Req, Resp any](method string, call func(QueueServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			invoke := func(ctx context.Context, req interface{}) (interface{}, error) {
				typed := new(Req)
				if err := Decode(req.(*structpb.Struct), typed); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(QueueServiceServer), ctx, typed)
				if err != nil {
					return nil, err
				}
				out, err := Encode(resp)
				if err != nil {
					return nil, status.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return invoke(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, invoke)
		},
	}
}

// ServiceDesc describes QueueService for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodPoll, QueueServiceServer.Poll),
		unary(methodAcknowledge, QueueServiceServer.Acknowledge),
		unary(methodHeartbeat, QueueServiceServer.Heartbeat),
		unary(methodSubmit, QueueServiceServer.Submit),
		unary(methodStatus, QueueServiceServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "greenrack/queue/v1",
}

// RegisterQueueServiceServer registers srv on s.
func RegisterQueueServiceServer(s grpc.ServiceRegistrar, srv QueueServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls QueueService on a master.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := Decode(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Poll(ctx context.Context, req *PollRequest, opts ...grpc.CallOption) (*PollResponse, error) {
	return invoke[PollResponse](ctx, c.cc, methodPoll, req, opts...)
}

func (c *Client) Acknowledge(ctx context.Context, req *AckRequest, opts ...grpc.CallOption) (*AckResponse, error) {
	return invoke[AckResponse](ctx, c.cc, methodAcknowledge, req, opts...)
}

func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, methodHeartbeat, req, opts...)
}

func (c *Client) Submit(ctx context.Context, req *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, methodSubmit, req, opts...)
}

func (c *Client) Status(ctx context.Context, req *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, methodStatus, req, opts...)
}

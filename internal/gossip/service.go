package gossip

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "github.com/calyptra/anchorsync.v1.GossipService"

// GossipServiceServer is the server-side interface for the gossip
// gRPC service.
type GossipServiceServer interface {
	Publish(context.Context, *Envelope) (*PublishAck, error)
	Subscribe(*SubscribeRequest, grpc.ServerStream) error
}

// RegisterGossipServiceServer registers the service on a gRPC server.
func RegisterGossipServiceServer(s *grpc.Server, srv GossipServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func handlerPublish(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(Envelope)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(GossipServiceServer).Publish(ctx, req)
}

func handlerSubscribe(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(GossipServiceServer).Subscribe(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GossipServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: handlerPublish},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       handlerSubscribe,
			ServerStreams: true,
			ClientStreams: false,
		},
	},
	Metadata: "github.com/calyptra/anchorsync/v1/gossip.cram",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

package handler

import (
	"context"

	"google.golang.org/grpc"
)

const reservationServiceName = "reservation.v1.ReservationService"

type ReservationServiceServer interface {
	Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	Release(context.Context, *ReleaseRequest) (*OperationResponse, error)
	ReleaseAll(context.Context, *CartRequest) (*OperationResponse, error)
	Extend(context.Context, *ExtendRequest) (*OperationResponse, error)
	Validate(context.Context, *CartRequest) (*ValidateResponse, error)
	Status(context.Context, *CartRequest) (*StatusResponse, error)
}

func RegisterReservationServiceServer(s grpc.ServiceRegistrar, srv ReservationServiceServer) {
	s.RegisterService(&ReservationService_ServiceDesc, srv)
}

// unaryHandler adapts one typed method to grpc.MethodDesc.
func unaryHandler[Req any, Resp any](method string, call func(ReservationServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + reservationServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReservationServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ReservationServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ReservationService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: reservationServiceName,
	HandlerType: (*ReservationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Reserve", ReservationServiceServer.Reserve),
		unaryHandler("Release", ReservationServiceServer.Release),
		unaryHandler("ReleaseAll", ReservationServiceServer.ReleaseAll),
		unaryHandler("Extend", ReservationServiceServer.Extend),
		unaryHandler("Validate", ReservationServiceServer.Validate),
		unaryHandler("Status", ReservationServiceServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reservation.proto",
}

// ReservationServiceClient calls the service over a connection using the JSON codec.
type ReservationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationServiceClient(cc grpc.ClientConnInterface) *ReservationServiceClient {
	return &ReservationServiceClient{cc: cc}
}

func (c *ReservationServiceClient) invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+reservationServiceName+"/"+method, in, out, opts...)
}

func (c *ReservationServiceClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	out := new(ReserveResponse)
	if err := c.invoke(ctx, "Reserve", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationServiceClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	out := new(OperationResponse)
	if err := c.invoke(ctx, "Release", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationServiceClient) ReleaseAll(ctx context.Context, in *CartRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	out := new(OperationResponse)
	if err := c.invoke(ctx, "ReleaseAll", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationServiceClient) Extend(ctx context.Context, in *ExtendRequest, opts ...grpc.CallOption) (*OperationResponse, error) {
	out := new(OperationResponse)
	if err := c.invoke(ctx, "Extend", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationServiceClient) Validate(ctx context.Context, in *CartRequest, opts ...grpc.CallOption) (*ValidateResponse, error) {
	out := new(ValidateResponse)
	if err := c.invoke(ctx, "Validate", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationServiceClient) Status(ctx context.Context, in *CartRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.invoke(ctx, "Status", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

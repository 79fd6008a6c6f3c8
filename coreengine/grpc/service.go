package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "finrouter.v1.ChatService"

// Full method names.
const (
	MethodChat           = "/" + ServiceName + "/Chat"
	MethodChatStream     = "/" + ServiceName + "/ChatStream"
	MethodExecuteAction  = "/" + ServiceName + "/ExecuteAction"
	MethodExecuteCommand = "/" + ServiceName + "/ExecuteCommand"
	MethodClearHistory   = "/" + ServiceName + "/ClearHistory"
	MethodGetProfile     = "/" + ServiceName + "/GetProfile"
	MethodUpdateProfile  = "/" + ServiceName + "/UpdateProfile"
	MethodListTools      = "/" + ServiceName + "/ListTools"
)

// ChatServiceServer is the server API. Every message is a
// google.protobuf.Struct holding the JSON form of the runtime types, so
// clients need no generated stubs.
type ChatServiceServer interface {
	Chat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ChatStream(req *structpb.Struct, stream grpc.ServerStream) error
	ExecuteAction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ExecuteCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ClearHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTools(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterChatServiceServer registers srv on s.
func RegisterChatServiceServer(s grpc.ServiceRegistrar, srv ChatServiceServer) {
	s.RegisterService(&chatServiceDesc, srv)
}

func unaryHandler(method string, call func(ChatServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ChatServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ChatServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func chatStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServiceServer).ChatStream(in, stream)
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Chat", Handler: unaryHandler(MethodChat, ChatServiceServer.Chat)},
		{MethodName: "ExecuteAction", Handler: unaryHandler(MethodExecuteAction, ChatServiceServer.ExecuteAction)},
		{MethodName: "ExecuteCommand", Handler: unaryHandler(MethodExecuteCommand, ChatServiceServer.ExecuteCommand)},
		{MethodName: "ClearHistory", Handler: unaryHandler(MethodClearHistory, ChatServiceServer.ClearHistory)},
		{MethodName: "GetProfile", Handler: unaryHandler(MethodGetProfile, ChatServiceServer.GetProfile)},
		{MethodName: "UpdateProfile", Handler: unaryHandler(MethodUpdateProfile, ChatServiceServer.UpdateProfile)},
		{MethodName: "ListTools", Handler: unaryHandler(MethodListTools, ChatServiceServer.ListTools)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ChatStream", Handler: chatStreamHandler, ServerStreams: true},
	},
	Metadata: "finrouter/v1/chat.proto",
}

// =============================================================================
// CLIENT
// =============================================================================

// ChatServiceClient calls a ChatService with typed values, converting them
// to and from Structs.
type ChatServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewChatServiceClient wraps cc.
func NewChatServiceClient(cc grpc.ClientConnInterface) *ChatServiceClient {
	return &ChatServiceClient{cc: cc}
}

// Call invokes a unary method. in and out are any JSON-compatible values.
func (c *ChatServiceClient) Call(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, resp, opts...); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

// StreamEvent is one message of a ChatStream call.
type StreamEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ChatStream runs a streamed chat turn and calls fn for every event,
// finishing after the "response" event.
func (c *ChatServiceClient) ChatStream(ctx context.Context, in any, fn func(StreamEvent) error, opts ...grpc.CallOption) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	stream, err := c.cc.NewStream(ctx, &chatServiceDesc.Streams[0], MethodChatStream, opts...)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return ignoreEOF(err)
		}
		var ev StreamEvent
		if err := fromStruct(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// =============================================================================
// STRUCT CODEC
// =============================================================================

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

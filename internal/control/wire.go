package control

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// Wire shapes of the management RPCs. JSON-encoded on the wire via the
// codec below.

type StatsRequest struct{}

type StatsRecord struct {
	TimestampMicros    int64  `json:"timestamp_micros"`
	Accepted           uint64 `json:"accepted"`
	PoolTotal          int    `json:"pool_total"`
	PoolInFlight       int    `json:"pool_in_flight"`
	TransactionsDelta  uint64 `json:"transactions_delta"`
	BytesReceivedDelta uint64 `json:"bytes_received_delta"`
	BytesSentDelta     uint64 `json:"bytes_sent_delta"`
}

type StatsReply struct {
	Records []StatsRecord `json:"records"`
}

type AddContextRequest struct {
	ServerID int `json:"server_id"`
	Threads  int `json:"threads"`
}

type AddContextReply struct{}

type DeactivateContextRequest struct {
	ServerID     int `json:"server_id"`
	ContextIndex int `json:"context_index"`
}

type DeactivateContextReply struct {
	Status int `json:"status"`
}

type GetContextsInfoRequest struct{}

type ContextInfo struct {
	Index            int  `json:"index"`
	Threads          int  `json:"threads"`
	ActiveSessions   int  `json:"active_sessions"`
	StrandPoolSize   int  `json:"strand_pool_size"`
	StrandPoolFlight int  `json:"strand_pool_in_flight"`
	Active           bool `json:"active"`
}

type ServerInfo struct {
	ServerID int           `json:"server_id"`
	Contexts []ContextInfo `json:"contexts"`
}

type GetContextsInfoReply struct {
	Servers []ServerInfo `json:"servers"`
}

// jsonCodec satisfies grpc's encoding.Codec over encoding/json, sidestepping
// generated protobuf stubs for this four-method service.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

// controlAPI pins the handler surface the descriptor dispatches to.
type controlAPI interface {
	GetStats(context.Context, *StatsRequest) (*StatsReply, error)
	AddContext(context.Context, *AddContextRequest) (*AddContextReply, error)
	DeactivateContext(context.Context, *DeactivateContextRequest) (*DeactivateContextReply, error)
	GetContextsInfo(context.Context, *GetContextsInfoRequest) (*GetContextsInfoReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "loadsmith.Control",
	HandlerType: (*controlAPI)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
		{MethodName: "AddContext", Handler: addContextHandler},
		{MethodName: "DeactivateContext", Handler: deactivateContextHandler},
		{MethodName: "GetContextsInfo", Handler: getContextsInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loadsmith/control",
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(controlAPI).GetStats(ctx, in)
}

func addContextHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(AddContextRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(controlAPI).AddContext(ctx, in)
}

func deactivateContextHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeactivateContextRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(controlAPI).DeactivateContext(ctx, in)
}

func getContextsInfoHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetContextsInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(controlAPI).GetContextsInfo(ctx, in)
}

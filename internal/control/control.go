// Package control exposes the management surface over gRPC: runtime stats
// extraction and dynamic reconfiguration of the servers. The service is
// registered with a hand-built descriptor and a JSON codec, so the wire
// shapes live next to the handlers instead of in generated stubs.
package control

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/loadsmith/loadsmith/server"
	"github.com/loadsmith/loadsmith/server/engine"
)

// Control serves the management RPCs. All communication with the servers
// goes through the Manager.
type Control struct {
	manager *server.Manager
	grpcSrv *grpc.Server
	done    chan struct{}
	log     *engine.Logger
}

// New builds the control service around a manager.
func New(m *server.Manager, log *engine.Logger) *Control {
	return &Control{manager: m, done: make(chan struct{}), log: log}
}

// Start binds the gRPC server to addr and serves in the background.
func (c *Control) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.grpcSrv = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	c.grpcSrv.RegisterService(&serviceDesc, c)
	go func() {
		defer close(c.done)
		if err := c.grpcSrv.Serve(lis); err != nil {
			c.log.Info().Err(err).Log("control server stopped serving")
		}
	}()
	c.log.Info().Str("addr", addr).Log("control server listening")
	return nil
}

// Stop drains in-flight RPCs and shuts the listener down.
func (c *Control) Stop() {
	if c.grpcSrv != nil {
		c.grpcSrv.GracefulStop()
	}
}

// Wait blocks until the serve loop has exited.
func (c *Control) Wait() {
	if c.grpcSrv != nil {
		<-c.done
	}
}

// GetStats samples every server's counters since the previous call.
func (c *Control) GetStats(ctx context.Context, req *StatsRequest) (*StatsReply, error) {
	records := c.manager.Stats()
	reply := &StatsReply{}
	for _, rec := range records {
		reply.Records = append(reply.Records, StatsRecord{
			TimestampMicros:    rec.TimestampMicros,
			Accepted:           rec.Accepted,
			PoolTotal:          rec.PoolTotal,
			PoolInFlight:       rec.PoolInFlight,
			TransactionsDelta:  rec.TransactionsDelta,
			BytesReceivedDelta: rec.BytesReceivedDelta,
			BytesSentDelta:     rec.BytesSentDelta,
		})
	}
	return reply, nil
}

// AddContext activates a reactor with the requested thread count in the
// specified server.
func (c *Control) AddContext(ctx context.Context, req *AddContextRequest) (*AddContextReply, error) {
	if err := c.manager.AddReactor(req.ServerID, req.Threads); err != nil {
		return nil, err
	}
	return &AddContextReply{}, nil
}

// DeactivateContext drains the specified reactor; the reply carries the
// stop status code (0, or EBUSY when the reactor was held).
func (c *Control) DeactivateContext(ctx context.Context, req *DeactivateContextRequest) (*DeactivateContextReply, error) {
	status, err := c.manager.DeactivateReactor(req.ServerID, req.ContextIndex)
	if err != nil {
		return nil, err
	}
	return &DeactivateContextReply{Status: status}, nil
}

// GetContextsInfo reports structural data for every reactor of every
// server.
func (c *Control) GetContextsInfo(ctx context.Context, req *GetContextsInfoRequest) (*GetContextsInfoReply, error) {
	reply := &GetContextsInfoReply{}
	for serverID, info := range c.manager.ServersInfo() {
		si := ServerInfo{ServerID: serverID}
		for _, ctxInfo := range info.Contexts {
			si.Contexts = append(si.Contexts, ContextInfo{
				Index:            ctxInfo.Index,
				Threads:          ctxInfo.Threads,
				ActiveSessions:   ctxInfo.ActiveSessions,
				StrandPoolSize:   ctxInfo.StrandPoolSize,
				StrandPoolFlight: ctxInfo.StrandPoolFlight,
				Active:           ctxInfo.Active,
			})
		}
		reply.Servers = append(reply.Servers, si)
	}
	return reply, nil
}

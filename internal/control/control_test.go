package control

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/loadsmith/loadsmith/server"
	"github.com/loadsmith/loadsmith/server/engine"
)

func testLogger() *engine.Logger {
	return stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(io.Discard))).Logger()
}

// startBufconnControl serves the control service over an in-memory
// listener, returning a dialled client connection.
func startBufconnControl(t *testing.T, m *server.Manager) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	c := New(m, testLogger())
	c.grpcSrv = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	c.grpcSrv.RegisterService(&serviceDesc, c)
	go func() {
		defer close(c.done)
		_ = c.grpcSrv.Serve(lis)
	}()
	t.Cleanup(func() {
		c.Stop()
		c.Wait()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func Test_control_get_stats_empty_manager(t *testing.T) {
	m := server.NewManager(testLogger())
	conn := startBufconnControl(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply := new(StatsReply)
	err := conn.Invoke(ctx, "/loadsmith.Control/GetStats", &StatsRequest{}, reply)
	require.NoError(t, err)
	assert.Empty(t, reply.Records)
}

func Test_control_contexts_info_empty_manager(t *testing.T) {
	m := server.NewManager(testLogger())
	conn := startBufconnControl(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply := new(GetContextsInfoReply)
	err := conn.Invoke(ctx, "/loadsmith.Control/GetContextsInfo", &GetContextsInfoRequest{}, reply)
	require.NoError(t, err)
	assert.Empty(t, reply.Servers)
}

func Test_control_add_context_bad_handle_is_an_error(t *testing.T) {
	m := server.NewManager(testLogger())
	conn := startBufconnControl(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Invoke(ctx, "/loadsmith.Control/AddContext",
		&AddContextRequest{ServerID: 42, Threads: 2}, new(AddContextReply))
	assert.Error(t, err)
}

func Test_control_deactivate_bad_handle_is_an_error(t *testing.T) {
	m := server.NewManager(testLogger())
	conn := startBufconnControl(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Invoke(ctx, "/loadsmith.Control/DeactivateContext",
		&DeactivateContextRequest{ServerID: 42, ContextIndex: 0}, new(DeactivateContextReply))
	assert.Error(t, err)
}

func Test_json_codec_round_trip(t *testing.T) {
	in := &DeactivateContextRequest{ServerID: 3, ContextIndex: 1}
	data, err := jsonCodec{}.Marshal(in)
	require.NoError(t, err)

	out := new(DeactivateContextRequest)
	require.NoError(t, jsonCodec{}.Unmarshal(data, out))
	assert.Equal(t, in, out)
}

package engine

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testProto is a scriptable protocol: the hooks decide the feedback, the
// rest is recorded.
type testProto struct {
	sess *Session

	mu     sync.Mutex
	errs   []error
	closed atomic.Int64

	onData func(p *testProto) Feedback
	onSent func(p *testProto) Feedback
}

func (p *testProto) Start() {}

func (p *testProto) OnData() Feedback {
	if p.onData != nil {
		return p.onData(p)
	}
	return FeedbackContinue
}

func (p *testProto) OnSent() Feedback {
	if p.onSent != nil {
		return p.onSent(p)
	}
	return FeedbackContinue
}

func (p *testProto) OnError(err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

func (p *testProto) OnClosed() { p.closed.Add(1) }

// sessionHarness wires a session onto one end of a socketpair. The client
// fd stays blocking for test convenience.
type sessionHarness struct {
	sess      *Session
	proto     *testProto
	clientFD  int
	finalized atomic.Int64
}

func newSessionHarness(t *testing.T, r *Reactor) *sessionHarness {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	h := &sessionHarness{sess: &Session{}, clientFD: fds[1]}
	h.proto = &testProto{sess: h.sess}
	h.sess.Bind(h.proto)
	h.sess.SetFinalized(func() { h.finalized.Add(1) })

	r.Hold() // SessionStart releases the dispatch hold
	h.sess.Setup(r, fds[0])
	t.Cleanup(func() { unix.Close(fds[1]) })
	return h
}

func (h *sessionHarness) clientWrite(t *testing.T, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n, err := unix.Write(h.clientFD, data)
		require.NoError(t, err)
		data = data[n:]
	}
}

func (h *sessionHarness) clientRead(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < n {
		if time.Now().After(deadline) {
			t.Fatalf("client read timed out after %d/%d bytes", got, n)
		}
		m, err := unix.Read(h.clientFD, buf[got:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		require.NoError(t, err)
		if m == 0 {
			t.Fatalf("peer closed after %d/%d bytes", got, n)
		}
		got += m
	}
	return buf
}

func (h *sessionHarness) waitFinalized(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.finalized.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session did not finalize")
		}
		time.Sleep(time.Millisecond)
	}
}

func Test_session_echo(t *testing.T) {
	r := startReactor(t, 1)
	h := newSessionHarness(t, r)

	h.proto.onData = func(p *testProto) Feedback {
		buf := p.sess.PrepareSendBuffer(p.sess.DataSize())
		buf.Fill(p.sess.DataSize())
		copy(buf.Data(), p.sess.Data())
		p.sess.Consume(0)
		p.sess.Send(buf)
		return FeedbackData
	}
	h.proto.onSent = func(p *testProto) Feedback { return FeedbackContinue }

	h.sess.SessionStart()
	h.clientWrite(t, []byte("hello"))
	assert.Equal(t, []byte("hello"), h.clientRead(t, 5))
}

func Test_session_close_feedback_finalizes_once(t *testing.T) {
	r := startReactor(t, 1)
	h := newSessionHarness(t, r)
	h.proto.onData = func(p *testProto) Feedback { return FeedbackClose }

	h.sess.SessionStart()
	h.clientWrite(t, []byte("x"))
	h.waitFinalized(t)
	assert.Equal(t, int64(1), h.finalized.Load())
	assert.Equal(t, int64(1), h.proto.closed.Load())

	// further forced finalizes in the same cycle are no-ops
	h.sess.Finalize()
	assert.Equal(t, int64(1), h.finalized.Load())
}

func Test_session_peer_close_reports_error_and_finalizes(t *testing.T) {
	r := startReactor(t, 1)
	h := newSessionHarness(t, r)
	h.sess.SessionStart()

	unix.Close(h.clientFD)
	h.waitFinalized(t)

	h.proto.mu.Lock()
	defer h.proto.mu.Unlock()
	assert.NotEmpty(t, h.proto.errs, "peer close should surface to OnError")
}

func Test_session_expected_length_batches_reads(t *testing.T) {
	r := startReactor(t, 1)
	h := newSessionHarness(t, r)

	body := bytes.Repeat([]byte("a"), 1000)
	gotFinished := make(chan struct{})
	h.proto.onData = func(p *testProto) Feedback {
		if !p.sess.CheckFinished() {
			if p.sess.DataSize() >= 4 && p.sess.BytesReceived() == uint64(p.sess.DataSize()) {
				// first chunk: declare the rest of the stream
				p.sess.Consume(4)
				p.sess.SetExpectedDataLength(uint64(len(body)))
			}
			if !p.sess.CheckFinished() {
				return FeedbackContinue
			}
		}
		close(gotFinished)
		return FeedbackFinished
	}

	h.sess.SessionStart()
	h.clientWrite(t, []byte("HDR:"))
	time.Sleep(20 * time.Millisecond)
	h.clientWrite(t, body)

	select {
	case <-gotFinished:
	case <-time.After(2 * time.Second):
		t.Fatal("expected-length stream did not finish")
	}
}

func Test_session_counters_reset_between_transactions(t *testing.T) {
	r := startReactor(t, 1)
	h := newSessionHarness(t, r)

	got := make(chan uint64, 1)
	h.proto.onData = func(p *testProto) Feedback {
		got <- p.sess.BytesReceived()
		p.sess.Consume(0)
		p.sess.ResetBuffers()
		return FeedbackContinue
	}

	h.sess.SessionStart()
	h.clientWrite(t, []byte("12345"))
	assert.Equal(t, uint64(5), <-got)

	h.clientWrite(t, []byte("67"))
	assert.Equal(t, uint64(2), <-got, "counters must restart after ResetBuffers")
}

func Test_session_send_queue_drains_in_order(t *testing.T) {
	r := startReactor(t, 1)
	h := newSessionHarness(t, r)

	h.proto.onData = func(p *testProto) Feedback {
		p.sess.Consume(0)
		for _, part := range []string{"one.", "two.", "three."} {
			buf := p.sess.PrepareSendBuffer(len(part))
			buf.Fill(len(part))
			copy(buf.Data(), part)
			p.sess.Send(buf)
		}
		return FeedbackData
	}
	h.proto.onSent = func(p *testProto) Feedback { return FeedbackData }

	h.sess.SessionStart()
	h.clientWrite(t, []byte("go"))
	assert.Equal(t, []byte("one.two.three."), h.clientRead(t, 14))
}

func Test_session_stats_deltas_accumulate(t *testing.T) {
	r := startReactor(t, 1)
	h := newSessionHarness(t, r)

	seen := make(chan struct{}, 8)
	h.proto.onData = func(p *testProto) Feedback {
		p.sess.Consume(0)
		seen <- struct{}{}
		return FeedbackContinue
	}

	h.sess.SessionStart()
	h.clientWrite(t, []byte("abcdef"))
	<-seen

	assert.Equal(t, uint64(6), h.sess.StatsDelta().BytesReceived.Swap(0))
	assert.Equal(t, uint64(0), h.sess.StatsDelta().BytesReceived.Load())
}

func Test_session_strand_serialises_multithreaded_reactor(t *testing.T) {
	r := startReactor(t, 4)
	h := newSessionHarness(t, r)

	var inside atomic.Int64
	var overlapped atomic.Bool
	h.proto.onData = func(p *testProto) Feedback {
		if inside.Add(1) != 1 {
			overlapped.Store(true)
		}
		time.Sleep(time.Millisecond)
		inside.Add(-1)
		p.sess.Consume(0)
		return FeedbackContinue
	}

	h.sess.SessionStart()
	for i := 0; i < 20; i++ {
		h.clientWrite(t, []byte("chunk"))
		time.Sleep(time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	assert.False(t, overlapped.Load(), "session callbacks overlapped despite strand")
}

func Test_session_receive_on_finished_stream_is_a_fault(t *testing.T) {
	s := &Session{}
	s.maxTransfer = DefaultMaxTransfer
	s.expectedSet = true
	s.expected = 10
	s.bytesReceived = 10
	assert.Panics(t, func() { s.asyncReceive() })
}

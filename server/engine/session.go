package engine

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// DefaultMaxTransfer caps the bytes moved by a single receive operation.
const DefaultMaxTransfer = 256 * 1024

// Feedback is what a protocol tells the session to do next after a data or
// send completion.
type Feedback int

const (
	// FeedbackFinished: input stream done, output may still be draining.
	FeedbackFinished Feedback = iota
	// FeedbackContinue: schedule another receive.
	FeedbackContinue
	// FeedbackClose: shut the session down.
	FeedbackClose
	// FeedbackData: the protocol queued more output, nothing else to do.
	FeedbackData
)

// Protocol is the upper layer driven by a Session. Exactly one concrete
// protocol exists today; the seam stays because the session logic is
// protocol-agnostic.
type Protocol interface {
	Start()
	OnData() Feedback
	OnSent() Feedback
	OnError(err error)
	OnClosed()
}

// errPeerClosed reports an orderly remote close observed as a zero read.
var errPeerClosed = io.EOF

// Session is the per-connection state machine. It owns the socket, the
// input buffer and the outgoing queue, drives the receive→dispatch→send
// sequence on its reactor, and guarantees single-close semantics per
// acquire cycle.
type Session struct {
	proto   Protocol
	fd      int
	reactor *Reactor
	strand  *Strand

	in   []byte
	outQ OutQueue

	// expected is the total byte count, from the start of the current
	// transaction, after which the input stream is considered finished.
	// Only meaningful while expectedSet.
	expected    uint64
	expectedSet bool

	bytesReceived uint64
	bytesSent     uint64

	maxTransfer int

	// in-flight read op state: completion fires once readGot >= readWant
	readWant int
	readGot  int
	// write offset into the front buffer of outQ
	writeOff int

	prepareForShutdown bool
	closeOnceFlag      OnceFlag
	finalized          func()

	stats SessionStatsDelta
}

// Bind attaches the protocol that the session reports completions to.
// Called once, by the protocol's constructor.
func (s *Session) Bind(p Protocol) { s.proto = p }

// SetFinalized installs the callback that runs as the very last step of the
// shutdown chain; the session pool uses it to reclaim the instance.
func (s *Session) SetFinalized(fn func()) { s.finalized = fn }

// SetMaxTransfer overrides the per-operation transfer ceiling.
func (s *Session) SetMaxTransfer(n int) {
	if n > 0 {
		s.maxTransfer = n
	}
}

// StatsDelta exposes the session's delta counters for pool aggregation.
func (s *Session) StatsDelta() *SessionStatsDelta { return &s.stats }

// Setup attaches a just-accepted socket to a reactor. The reactor's session
// count includes this session until finalize. A strand is borrowed only
// when the reactor runs multiple workers.
func (s *Session) Setup(r *Reactor, fd int) {
	r.Ref()
	s.reactor = r
	s.strand = r.BorrowStrand()
	s.fd = fd
	s.closeOnceFlag.Reset()
	s.prepareForShutdown = false
	if s.maxTransfer == 0 {
		s.maxTransfer = DefaultMaxTransfer
	}
	if err := r.RegisterFD(fd); err != nil {
		// reactor went down between accept and setup
		s.closeOnce()
	}
}

// SessionStart primes the protocol, schedules the first read and releases
// the administrative hold taken by the acceptor's round-robin pick.
func (s *Session) SessionStart() {
	s.proto.Start()
	s.Receive()
	s.reactor.Unhold()
}

// TransactionStarted counts the beginning of a protocol transaction.
func (s *Session) TransactionStarted() {
	s.stats.Transactions.Add(1)
}

// TransactionFinished marks the end of a protocol transaction.
func (s *Session) TransactionFinished() {}

// ResetBuffers clears the input buffer and counters so the session can
// handle a new transaction on the same connection.
func (s *Session) ResetBuffers() {
	s.expectedSet = false
	s.expected = 0
	s.bytesReceived = 0
	s.bytesSent = 0
	s.in = s.in[:0]
}

// Receive schedules an asynchronous read. Never blocks; completions arrive
// through the protocol callbacks.
func (s *Session) Receive() {
	s.asyncReceive()
}

// Send appends a buffer to the outgoing queue, starting a write if the
// queue was idle.
func (s *Session) Send(d *DynamicString) {
	if s.outQ.Push(d) {
		s.asyncSend()
	}
}

// Consume discards length bytes from the head of the input buffer; zero
// discards everything.
func (s *Session) Consume(length int) {
	if length == 0 || length >= len(s.in) {
		s.in = s.in[:0]
		return
	}
	s.in = append(s.in[:0], s.in[length:]...)
}

// PrepareSendBuffer returns a pooled buffer of capacity at least n that can
// later be passed to Send.
func (s *Session) PrepareSendBuffer(n int) *DynamicString {
	return s.outQ.Prepare(n)
}

// ReleaseSendBuffer hands a buffer from PrepareSendBuffer back to the pool.
func (s *Session) ReleaseSendBuffer(d *DynamicString) {
	s.outQ.Free(d)
}

// Data is the currently buffered input.
func (s *Session) Data() []byte { return s.in }

// DataSize is the number of buffered input bytes.
func (s *Session) DataSize() int { return len(s.in) }

// BytesReceived is the byte count received since the last ResetBuffers.
func (s *Session) BytesReceived() uint64 { return s.bytesReceived }

// SetExpectedDataLength declares that the transaction's input stream ends
// length bytes past everything already consumed from it. The session uses
// this to batch reads and to decide when the stream is finished.
func (s *Session) SetExpectedDataLength(length uint64) {
	consumed := s.bytesReceived - uint64(len(s.in))
	s.expected = consumed + length
	s.expectedSet = true
}

// CheckFinished reports whether the declared expected data has been fully
// received since the last ResetBuffers.
func (s *Session) CheckFinished() bool {
	return s.expectedSet && s.bytesReceived >= s.expected
}

func (s *Session) wrap(fn func()) func() {
	if s.strand != nil {
		return s.strand.Wrap(fn)
	}
	return fn
}

func (s *Session) asyncReceive() {
	want := 1
	if s.expectedSet {
		remaining := s.expected - s.bytesReceived
		// receive must not be scheduled once the expected data has
		// fully arrived
		if remaining == 0 {
			panic("engine: receive on a finished input stream")
		}
		want = int(remaining)
		if want > s.maxTransfer {
			want = s.maxTransfer
		}
	}
	s.readWant = want
	s.readGot = 0
	s.armRead()
}

func (s *Session) armRead() {
	s.reactor.AsyncRead(s.fd, s.wrap(s.onReadable))
	// if the reactor stopped between scheduling and execution the
	// completion will never fire; close synchronously to avoid a leak
	if s.reactor.Stopped() {
		s.closeOnce()
	}
}

// onReadable runs on a reactor worker when the socket has data. It moves
// bytes until the op's minimum is met, re-arming on short reads.
func (s *Session) onReadable() {
	for s.readGot < s.readWant {
		s.reserveInput()
		chunk := s.in[len(s.in):cap(s.in)]
		n, err := unix.Read(s.fd, chunk)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			s.armRead()
			return
		case err != nil:
			s.reportError(err)
			s.asyncClose(nil)
			return
		case n == 0:
			s.reportError(errPeerClosed)
			s.asyncClose(nil)
			return
		}
		s.in = s.in[:len(s.in)+n]
		s.readGot += n
		s.bytesReceived += uint64(n)
		s.stats.BytesReceived.Add(uint64(n))
	}

	switch s.proto.OnData() {
	case FeedbackContinue:
		s.asyncReceive()
	case FeedbackClose:
		s.asyncClose(nil)
	case FeedbackFinished, FeedbackData:
	}
}

// reserveInput makes sure the input buffer has spare capacity for a read,
// bounded by the transfer ceiling.
func (s *Session) reserveInput() {
	if cap(s.in)-len(s.in) > 0 {
		return
	}
	grow := s.readWant - s.readGot
	if grow < 4096 {
		grow = 4096
	}
	if grow > s.maxTransfer {
		grow = s.maxTransfer
	}
	b := make([]byte, len(s.in), len(s.in)+grow)
	copy(b, s.in)
	s.in = b
}

func (s *Session) asyncSend() {
	s.writeOff = 0
	s.armWrite()
}

func (s *Session) armWrite() {
	s.reactor.AsyncWrite(s.fd, s.wrap(s.onWritable))
	if s.reactor.Stopped() {
		s.closeOnce()
	}
}

// onWritable runs on a reactor worker when the socket accepts data. It
// drains the front buffer, then either continues with the next buffer or
// reports the send completion to the protocol.
func (s *Session) onWritable() {
	front := s.outQ.Front()
	if front == nil {
		return
	}
	for s.writeOff < front.Size() {
		n, err := unix.Write(s.fd, front.Data()[s.writeOff:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			s.armWrite()
			return
		case err != nil:
			s.outQ.Clear()
			s.reportError(err)
			s.asyncClose(nil)
			return
		}
		s.writeOff += n
		s.bytesSent += uint64(n)
		s.stats.BytesSent.Add(uint64(n))
	}

	s.outQ.Pop()
	if !s.outQ.Empty() {
		s.asyncSend()
		return
	}

	switch s.proto.OnSent() {
	case FeedbackContinue:
		s.asyncReceive()
	case FeedbackClose:
		s.asyncClose(nil)
	case FeedbackData:
	case FeedbackFinished:
		panic("engine: protocol finished on a send completion")
	}

	// a shutdown deferred behind this drain is re-armed now
	if s.prepareForShutdown {
		s.prepareForShutdown = false
		s.asyncClose(nil)
	}
}

// asyncClose posts the close through the reactor (via the strand when one is
// held) so it serialises with the session's other callbacks.
func (s *Session) asyncClose(err error) {
	if err != nil {
		s.reportError(err)
	}
	if s.strand != nil {
		s.strand.Post(s.closeOnce)
	} else {
		s.reactor.Post(s.closeOnce)
	}
	if s.reactor.Stopped() {
		s.closeOnce()
	}
}

// closeOnce defers shutdown while output is still queued; the write
// completion handler re-arms it after the drain. The once flag makes
// finalize run at most a single time per acquire cycle.
func (s *Session) closeOnce() {
	if !s.outQ.Empty() {
		s.prepareForShutdown = true
		return
	}
	s.closeOnceFlag.RunOnce(s.finalize)
}

// finalize tears the session down: socket closed, protocol notified, strand
// returned, reactor dereffed, and finally the instance is handed back
// through the finalize callback.
func (s *Session) finalize() {
	if s.reactor != nil && s.fd > 0 {
		s.reactor.DeregisterFD(s.fd)
		unix.Close(s.fd)
	}
	s.fd = -1

	s.proto.OnClosed()

	if s.strand != nil {
		s.reactor.PutStrand(s.strand)
		s.strand = nil
	}
	if s.reactor != nil {
		s.reactor.Deref()
	}

	s.finalized()
}

// Finalize forces the shutdown chain, respecting the once-per-cycle flag.
// The session pool's recovery path uses it to reclaim sessions stranded on
// a torn-down reactor.
func (s *Session) Finalize() {
	s.closeOnceFlag.RunOnce(s.finalize)
}

// reportError forwards transport errors to the protocol, swallowing the
// cancellation produced by shutdown paths.
func (s *Session) reportError(err error) {
	if errors.Is(err, ErrCanceled) || err == unix.ECANCELED {
		return
	}
	s.proto.OnError(err)
}

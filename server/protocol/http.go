// Package protocol implements the HTTP/1.1 frame layer and the Http
// protocol that executes scripted request bodies on the shared VM.
package protocol

import (
	"strings"

	"github.com/loadsmith/loadsmith/server/engine"
	"github.com/loadsmith/loadsmith/server/program"
	"github.com/loadsmith/loadsmith/server/vm"
)

const (
	vscriptURL  = "/vscript/"
	sinkholeURL = "/sinkhole/"

	// minimum program body is "0\n"
	minProgramLength = 2

	headerBufferSize = 64
	bodyBufferSize   = 256 * 1024
)

// Http is the per-connection protocol instance: the session state machine
// plus request/response headers and the request's program. One pair of send
// buffers is prepared up front and reused for the life of the instance.
type Http struct {
	engine.Session

	req  RequestHeader
	resp *ResponseHeader
	prog program.Program

	// body is the sink buffer streamed back for download budgets
	body *engine.DynamicString

	vm  *vm.VM
	log *engine.Logger
}

// NewHTTP builds a protocol instance bound to the shared VM. maxTransfer
// overrides the session's per-read ceiling when non-zero.
func NewHTTP(m *vm.VM, maxTransfer int, log *engine.Logger) *Http {
	h := &Http{vm: m, log: log}
	h.resp = NewResponseHeader(h.PrepareSendBuffer(headerBufferSize))
	h.body = h.PrepareSendBuffer(bodyBufferSize)
	h.SetMaxTransfer(maxTransfer)
	h.Bind(h)
	return h
}

// Start primes the protocol state for the first request; the session
// schedules the first read after it returns.
func (h *Http) Start() {
	h.reset()
}

// OnData consumes newly received bytes: frame the header, build the
// program, feed the body, and finally answer once the body is complete.
func (h *Http) OnData() engine.Feedback {
	if !h.req.Ready() {
		h.TransactionStarted()
		end, ok := h.req.TryParse(h.Data())
		if !ok {
			// header is not ready yet...
			return engine.FeedbackContinue
		}
		// point the stream head at the first body byte before
		// declaring the body length
		h.Consume(end)
		h.SetExpectedDataLength(h.req.ContentLength())
	}

	if !h.prog.Bound() {
		url := h.req.URL()
		switch {
		case strings.HasPrefix(url, vscriptURL):
			if h.req.ContentLength() < minProgramLength {
				return engine.FeedbackClose
			}
			consumed, status := program.TryParse(&h.prog, h.Data())
			switch status {
			case program.ParseSuccess:
				h.Consume(consumed)
			case program.ParseNeedMoreData:
				return engine.FeedbackContinue
			case program.ParseFailed:
				return engine.FeedbackClose
			}

		case strings.HasPrefix(url, sinkholeURL):
			// the sinkhole program accepts all uploaded data and
			// answers a minimal zero-length 200
			h.prog.Sinkhole()

		default:
			return engine.FeedbackClose
		}

		// a program needs a VM; run it on the shared instance
		h.prog.SetVM(h.vm)
	}

	finished := h.prog.Feed(uint64(h.DataSize()), h.CheckFinished())
	h.Consume(0)

	if finished {
		code, size := h.prog.Response()
		h.respond(code, h.req.KeepAlive(), size)
		// input stream is done; output may still be streaming
		return engine.FeedbackFinished
	}

	return engine.FeedbackContinue
}

// OnSent streams the next download chunk, or wraps the transaction up:
// keep-alive resets for the next request, otherwise the connection closes.
func (h *Http) OnSent() engine.Feedback {
	if h.prog.HasMoreData() {
		h.prog.GetData(h.body)
		h.Send(h.body)
		return engine.FeedbackData
	}

	h.TransactionFinished()
	if h.req.KeepAlive() {
		h.reset()
		// continue reading the headers of the next request
		return engine.FeedbackContinue
	}
	return engine.FeedbackClose
}

// OnError logs transport errors; the session closes the connection after.
func (h *Http) OnError(err error) {
	h.log.Info().Err(err).Log("http service error")
}

// OnClosed releases the request's VM resources.
func (h *Http) OnClosed() {
	h.prog.Reset()
}

// respond queues the response header. A second prepare in one request is a
// programming fault.
func (h *Http) respond(code int, keepAlive bool, size uint64) {
	if h.resp.Sent() {
		panic("protocol: response already sent")
	}
	h.resp.Prepare(code, size, keepAlive)
	h.Send(h.resp.Buffer())
	h.resp.SetSent()
}

// reset prepares the instance to parse a new request.
func (h *Http) reset() {
	h.prog.Reset()
	h.req.Reset()
	h.resp.Reset()
	h.ResetBuffers()
}

// StopProgram cancels the in-flight program, waking any VM lock wait.
func (h *Http) StopProgram() {
	h.prog.Stop()
}

// Package program parses and executes the scripted request bodies that
// drive the load simulation. A program is a set of instructions keyed by
// byte-offset trigger points; feeding received bytes through the program
// fires every instruction whose trigger has been passed.
package program

import (
	"container/heap"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"unsafe"

	"github.com/loadsmith/loadsmith/server/engine"
	"github.com/loadsmith/loadsmith/server/vm"
)

// ParseStatus is the tagged result of TryParse.
type ParseStatus int

const (
	// ParseSuccess: a program was built; the consumed length is valid.
	ParseSuccess ParseStatus = iota
	// ParseNeedMoreData: the stream does not hold the whole text yet.
	ParseNeedMoreData
	// ParseFailed: the text is malformed or has an impossible length.
	ParseFailed
)

// sendBufferSize caps the bytes handed out per GetData call.
const sendBufferSize = 64 * 1024

// opHeap is a min-heap of instructions ordered by trigger offset.
type opHeap []op

func (h opHeap) Len() int           { return len(h) }
func (h opHeap) Less(i, j int) bool { return h[i].execPoint() < h[j].execPoint() }
func (h opHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x any)        { *h = append(*h, x.(op)) }
func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Program is one parsed script bound to a session's request. Its own
// address is its identity towards the VM, a unique stable token for the
// program's lifetime.
type Program struct {
	instrs         opHeap
	bytesProcessed uint64
	resultCode     int
	downloadSize   atomic.Uint64
	finished       bool
	vm             *vm.VM
	cancelled      atomic.Bool
}

// programLine mirrors the wire shape:
// [ {"<exec_point>": {"<OPCODE>": "<operand>"}} , ... ]
type programLine map[string]map[string]string

// TryParse reads a program text from the head of data: a decimal byte count
// line, then that many bytes of JSON. On success the program p is
// (re)initialised from the text and the consumed byte count is returned.
func TryParse(p *Program, data []byte) (consumed int, status ParseStatus) {
	nl := -1
	for i, b := range data {
		if b == '\n' {
			nl = i
			break
		}
	}
	if nl < 0 {
		return 0, ParseNeedMoreData
	}

	progLen, err := strconv.ParseUint(string(data[:nl]), 10, 64)
	if err != nil {
		return 0, ParseFailed
	}
	if progLen == 0 {
		return 0, ParseFailed
	}

	body := data[nl+1:]
	if uint64(len(body)) < progLen {
		return 0, ParseNeedMoreData
	}

	if !p.build(body[:progLen]) {
		return 0, ParseFailed
	}
	consumed = nl + 1 + int(progLen)
	// the program text is part of the request body: trigger offsets are
	// relative to the body start, so the consumed text counts as processed
	p.bytesProcessed = uint64(consumed)
	return consumed, ParseSuccess
}

// build replaces p's state with the instructions parsed from jsonText.
func (p *Program) build(jsonText []byte) bool {
	var lines []programLine
	if err := json.Unmarshal(jsonText, &lines); err != nil {
		return false
	}

	var instrs opHeap
	bail := func() bool {
		for _, o := range instrs {
			o.repool()
		}
		return false
	}
	for _, line := range lines {
		for execStr, inst := range line {
			exec, err := strconv.ParseUint(execStr, 10, 64)
			if err != nil {
				return bail()
			}
			for opcode, operandStr := range inst {
				operand, err := strconv.ParseUint(operandStr, 10, 64)
				if err != nil {
					return bail()
				}
				o, ok := instantiate(opcode, exec, operand)
				if !ok {
					return bail()
				}
				instrs = append(instrs, o)
			}
		}
	}

	p.reinit()
	p.instrs = instrs
	heap.Init(&p.instrs)
	return true
}

// Sinkhole turns p into the do-nothing program: it accepts all uploaded
// data and answers with a zero-length 200.
func (p *Program) Sinkhole() {
	p.reinit()
}

// reinit resets the execution state for a fresh script.
func (p *Program) reinit() {
	p.drain()
	p.bytesProcessed = 0
	p.resultCode = 200
	p.downloadSize.Store(0)
	p.finished = false
	p.cancelled.Store(false)
	p.vm = nil
}

// SetVM binds the program to the shared VM it executes on.
func (p *Program) SetVM(m *vm.VM) { p.vm = m }

// Bound reports whether the program has been given a VM; the protocol uses
// it as "a program exists for this request".
func (p *Program) Bound() bool { return p.vm != nil }

// identity is the program's stable token towards the VM.
func (p *Program) identity() vm.Identity {
	return vm.Identity(unsafe.Pointer(p))
}

// Feed accounts n bytes of received stream, then executes every
// instruction whose trigger offset has been reached, in trigger order.
// Returns true when eof marks the stream finished.
func (p *Program) Feed(n uint64, eof bool) bool {
	p.bytesProcessed += n

	for !p.cancelled.Load() && p.instrs.Len() > 0 &&
		p.instrs[0].execPoint() <= p.bytesProcessed {
		o := heap.Pop(&p.instrs).(op)
		o.run(p, p.identity(), p.vm)
		o.repool()
	}

	p.finished = eof
	return p.finished
}

func (p *Program) setResultCode(code int) { p.resultCode = code }

func (p *Program) setDownloadSize(n uint64) { p.downloadSize.Store(n) }

// Response is the overall execution result: the status code and the number
// of payload bytes to stream back.
func (p *Program) Response() (code int, downloadSize uint64) {
	return p.resultCode, p.downloadSize.Load()
}

// HasMoreData reports outstanding download budget. Only meaningful once the
// program is finished.
func (p *Program) HasMoreData() bool {
	return p.downloadSize.Load() > 0
}

// GetData sizes d to the next download chunk, up to 64 KiB, and subtracts
// it from the remaining budget. The payload bytes are unspecified; only the
// length matters.
func (p *Program) GetData(d *engine.DynamicString) {
	n := uint64(sendBufferSize)
	if rem := p.downloadSize.Load(); rem < n {
		n = rem
	}
	d.Fill(int(n))
	p.downloadSize.Add(^(n - 1))
}

// Stop requests cancellation: execution halts between instructions, and a
// lock wait owned by this program wakes within its bounded poll.
func (p *Program) Stop() {
	p.cancelled.Store(true)
}

// Reset releases every VM resource held by the program, drains unexecuted
// instructions back to their pools, and detaches the VM.
func (p *Program) Reset() {
	if p.vm != nil {
		p.vm.Cleanup(p.identity())
	}
	p.drain()
	p.vm = nil
}

func (p *Program) drain() {
	for _, o := range p.instrs {
		o.repool()
	}
	p.instrs = p.instrs[:0]
}

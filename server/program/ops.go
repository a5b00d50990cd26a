package program

import (
	"github.com/loadsmith/loadsmith/server/engine"
	"github.com/loadsmith/loadsmith/server/vm"
)

// op is one scripted instruction. Instructions are pooled per type and
// repooled after execution.
type op interface {
	run(p *Program, id vm.Identity, m *vm.VM)
	execPoint() uint64
	repool()
}

// opArgs carries the trigger offset and operand shared by every op type.
type opArgs struct {
	exec    uint64
	operand uint64
}

func (a *opArgs) execPoint() uint64 { return a.exec }

func (a *opArgs) setArgs(exec, operand uint64) {
	a.exec = exec
	a.operand = operand
}

// downloadOp sets the result code to 200 and the download budget to its
// operand.
type downloadOp struct{ opArgs }

func (o *downloadOp) run(p *Program, id vm.Identity, m *vm.VM) {
	p.setResultCode(200)
	p.setDownloadSize(o.operand)
}

func (o *downloadOp) repool() { downloadPool.PutBack(o) }

// lockOp acquires VM resource <operand> on behalf of the program; may block.
type lockOp struct{ opArgs }

func (o *lockOp) run(p *Program, id vm.Identity, m *vm.VM) {
	m.Lock(id, o.operand, &p.cancelled)
}

func (o *lockOp) repool() { lockPool.PutBack(o) }

// unlockOp releases VM resource <operand>; a no-op when not held.
type unlockOp struct{ opArgs }

func (o *unlockOp) run(p *Program, id vm.Identity, m *vm.VM) {
	m.Unlock(id, o.operand)
}

func (o *unlockOp) repool() { unlockPool.PutBack(o) }

// sleepOp blocks the executing thread for <operand> microseconds.
type sleepOp struct{ opArgs }

func (o *sleepOp) run(p *Program, id vm.Identity, m *vm.VM) {
	m.Sleep(o.operand)
}

func (o *sleepOp) repool() { sleepPool.PutBack(o) }

// loopOp busy-spins the executing thread for <operand> cycles.
type loopOp struct{ opArgs }

func (o *loopOp) run(p *Program, id vm.Identity, m *vm.VM) {
	m.Loop(o.operand)
}

func (o *loopOp) repool() { loopPool.PutBack(o) }

// One pool per op type, shared by every server in the process.
var (
	downloadPool = engine.NewPool[*downloadOp](engine.PoolConfig[*downloadOp]{
		New: func() *downloadOp { return new(downloadOp) }, Name: "download ops",
	})
	lockPool = engine.NewPool[*lockOp](engine.PoolConfig[*lockOp]{
		New: func() *lockOp { return new(lockOp) }, Name: "lock ops",
	})
	unlockPool = engine.NewPool[*unlockOp](engine.PoolConfig[*unlockOp]{
		New: func() *unlockOp { return new(unlockOp) }, Name: "unlock ops",
	})
	sleepPool = engine.NewPool[*sleepOp](engine.PoolConfig[*sleepOp]{
		New: func() *sleepOp { return new(sleepOp) }, Name: "sleep ops",
	})
	loopPool = engine.NewPool[*loopOp](engine.PoolConfig[*loopOp]{
		New: func() *loopOp { return new(loopOp) }, Name: "loop ops",
	})
)

// instantiate builds the op named by opcode, or reports an unknown opcode.
func instantiate(opcode string, exec, operand uint64) (op, bool) {
	switch opcode {
	case "DOWNLOAD":
		o, _ := downloadPool.Borrow(0)
		o.setArgs(exec, operand)
		return o, true
	case "LOCK":
		o, _ := lockPool.Borrow(0)
		o.setArgs(exec, operand)
		return o, true
	case "UNLOCK":
		o, _ := unlockPool.Borrow(0)
		o.setArgs(exec, operand)
		return o, true
	case "SLEEP":
		o, _ := sleepPool.Borrow(0)
		o.setArgs(exec, operand)
		return o, true
	case "LOOP":
		o, _ := loopPool.Borrow(0)
		o.setArgs(exec, operand)
		return o, true
	}
	return nil, false
}

package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/systeminit/veritech/internal/core"
	"github.com/systeminit/veritech/internal/decryptor"
	"github.com/systeminit/veritech/internal/killregistry"
	"github.com/systeminit/veritech/internal/pool"
	"github.com/systeminit/veritech/internal/sessionproto"
)

// scriptedConn is a pool.SessionConn test double: it replays a fixed list
// of inbound frames, then either blocks until ctx is cancelled (mirroring
// a live socket with nothing more to say) or returns a scripted read
// error, depending on the test.
type scriptedConn struct {
	mu      sync.Mutex
	lines   [][]byte
	idx     int
	readErr error
	writes  [][]byte
	closed  bool
}

func (c *scriptedConn) ReadLine(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.idx < len(c.lines) {
		line := c.lines[c.idx]
		c.idx++
		c.mu.Unlock()
		return line, nil
	}
	err := c.readErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *scriptedConn) WriteLine(ctx context.Context, line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, line)
	return nil
}

func (c *scriptedConn) CloseWrite() error { return nil }
func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func frame(t *testing.T, f sessionproto.Frame) []byte {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err)
	return b
}

type fakeExecutor struct {
	conn *scriptedConn
}

func (f *fakeExecutor) Conn() pool.SessionConn       { return f.conn }
func (f *fakeExecutor) Healthy(ctx context.Context) bool { return true }
func (f *fakeExecutor) Close() error                  { return f.conn.Close() }
func (f *fakeExecutor) ID() string                    { return "fake-executor" }

func newTestPool(t *testing.T, conn *scriptedConn) *pool.Pool {
	t.Helper()
	return pool.New(pool.Config{
		Capacity: 1,
		Factory:  func(ctx context.Context) (pool.Executor, error) { return &fakeExecutor{conn: conn}, nil },
	})
}

func alwaysFailingPool(t *testing.T) *pool.Pool {
	t.Helper()
	return pool.New(pool.Config{
		Capacity: 1,
		Factory:  func(ctx context.Context) (pool.Executor, error) { return nil, errors.New("no capacity") },
	})
}

type fakePublisher struct {
	mu            sync.Mutex
	outputs       []core.Output
	terminals     []core.TerminalResult
	finalizeCalls map[core.ExecutionId]int
}

func (p *fakePublisher) PublishOutput(ctx context.Context, addr core.ReplyAddress, out core.Output) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputs = append(p.outputs, out)
	return nil
}

func (p *fakePublisher) FinalizeOutput(ctx context.Context, addr core.ReplyAddress, id core.ExecutionId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalizeCalls == nil {
		p.finalizeCalls = make(map[core.ExecutionId]int)
	}
	p.finalizeCalls[id]++
	return nil
}

func (p *fakePublisher) FinalizeCount(id core.ExecutionId) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalizeCalls[id]
}

func (p *fakePublisher) PublishTerminal(ctx context.Context, addr core.ReplyAddress, result core.TerminalResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminals = append(p.terminals, result)
	return nil
}

func (p *fakePublisher) lastTerminal() (core.TerminalResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.terminals) == 0 {
		return core.TerminalResult{}, false
	}
	return p.terminals[len(p.terminals)-1], true
}

type fakeAudit struct {
	mu      sync.Mutex
	records []core.TerminalResult
}

func (a *fakeAudit) RecordTerminal(ctx context.Context, kind core.ExecutionKind, result core.TerminalResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, result)
	return nil
}

func (a *fakeAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func testDecryptor(t *testing.T) *decryptor.Decryptor {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return decryptor.New(pub, priv)
}

func TestDispatchHappyPathPublishesOutputThenSuccessAndAudits(t *testing.T) {
	conn := &scriptedConn{lines: [][]byte{
		frame(t, sessionproto.Frame{Kind: sessionproto.FrameKindOutput, Output: &core.Output{ExecutionId: "exec-1", Message: "hi"}}),
		frame(t, sessionproto.Frame{Kind: sessionproto.FrameKindTerminal, Terminal: &core.TerminalResult{ExecutionId: "exec-1", Kind: "success"}}),
	}}
	pub := &fakePublisher{}
	audit := &fakeAudit{}

	d := New(Config{
		Pool:      newTestPool(t, conn),
		Decryptor: testDecryptor(t),
		KillReg:   killregistry.New(nil),
		Publisher: pub,
		Audit:     audit,
	})

	req := &core.Request{ExecutionId: "exec-1", Kind: core.KindActionRun}
	d.Dispatch(context.Background(), req, core.ReplyAddress("reply"))

	require.Len(t, pub.outputs, 1)
	assert.Equal(t, "hi", pub.outputs[0].Message)

	terminal, ok := pub.lastTerminal()
	require.True(t, ok)
	assert.Equal(t, "success", terminal.Kind)

	assert.Equal(t, 1, audit.count(), "the success path must be audited exactly once")
	assert.Equal(t, 1, pub.FinalizeCount("exec-1"), "finalize_output must run exactly once, before the terminal publish")
}

func TestDispatchTimeoutPublishesFailureAndAudits(t *testing.T) {
	conn := &scriptedConn{} // never produces a terminal frame
	pub := &fakePublisher{}
	audit := &fakeAudit{}

	d := New(Config{
		Pool:      newTestPool(t, conn),
		Decryptor: testDecryptor(t),
		KillReg:   killregistry.New(nil),
		Publisher: pub,
		Audit:     audit,
		Timeout:   20 * time.Millisecond,
	})

	req := &core.Request{ExecutionId: "exec-2", Kind: core.KindActionRun}
	d.Dispatch(context.Background(), req, core.ReplyAddress("reply"))

	terminal, ok := pub.lastTerminal()
	require.True(t, ok)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, core.FailureTimeout, terminal.Error.Kind)
	assert.Equal(t, 1, audit.count())
}

func TestDispatchKillWinsOverIndefiniteSession(t *testing.T) {
	conn := &scriptedConn{}
	pub := &fakePublisher{}
	kr := killregistry.New(nil)

	d := New(Config{
		Pool:      newTestPool(t, conn),
		Decryptor: testDecryptor(t),
		KillReg:   kr,
		Publisher: pub,
	})

	execID := core.ExecutionId("exec-3")
	go func() {
		for i := 0; i < 200; i++ {
			if kr.Contains(execID) {
				kr.Kill(execID)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	req := &core.Request{ExecutionId: execID, Kind: core.KindActionRun}
	d.Dispatch(context.Background(), req, core.ReplyAddress("reply"))

	terminal, ok := pub.lastTerminal()
	require.True(t, ok)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, core.FailureKilled, terminal.Error.Kind)
}

func TestDispatchDecryptFailurePublishesFailureAndReturnsLease(t *testing.T) {
	conn := &scriptedConn{}
	pub := &fakePublisher{}
	p := newTestPool(t, conn)

	d := New(Config{
		Pool:      p,
		Decryptor: testDecryptor(t),
		KillReg:   killregistry.New(nil),
		Publisher: pub,
	})

	req := &core.Request{
		ExecutionId:     "exec-4",
		Kind:            core.KindActionRun,
		EncryptedFields: []core.EncryptedField{{Path: "arguments.secret", CipherText: "not-valid-base64!!!"}},
	}
	d.Dispatch(context.Background(), req, core.ReplyAddress("reply"))

	terminal, ok := pub.lastTerminal()
	require.True(t, ok)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, core.FailureDecryptFailed, terminal.Error.Kind)

	// spec: a lease acquired but never used for a session must be returned,
	// not discarded — the executor behind it is still perfectly healthy.
	assert.False(t, conn.closed, "the lease must be returned, not discarded, on decrypt failure")
	assert.Equal(t, 1, p.Stats().Idle, "the returned lease must be available for the next acquire")
}

func TestDispatchPoolUnavailablePublishesFailureAndAudits(t *testing.T) {
	pub := &fakePublisher{}
	audit := &fakeAudit{}

	d := New(Config{
		Pool:      alwaysFailingPool(t),
		Decryptor: testDecryptor(t),
		KillReg:   killregistry.New(nil),
		Publisher: pub,
		Audit:     audit,
	})

	req := &core.Request{ExecutionId: "exec-5", Kind: core.KindActionRun}
	d.Dispatch(context.Background(), req, core.ReplyAddress("reply"))

	terminal, ok := pub.lastTerminal()
	require.True(t, ok)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, core.FailurePoolUnavailable, terminal.Error.Kind)
	assert.Equal(t, 1, audit.count())
}

func TestDispatchPeerClosedMidSessionPublishesFailure(t *testing.T) {
	conn := &scriptedConn{readErr: errors.New("connection reset by peer")}
	pub := &fakePublisher{}

	d := New(Config{
		Pool:      newTestPool(t, conn),
		Decryptor: testDecryptor(t),
		KillReg:   killregistry.New(nil),
		Publisher: pub,
	})

	req := &core.Request{ExecutionId: "exec-6", Kind: core.KindActionRun}
	d.Dispatch(context.Background(), req, core.ReplyAddress("reply"))

	terminal, ok := pub.lastTerminal()
	require.True(t, ok)
	require.NotNil(t, terminal.Error)
	assert.Equal(t, core.FailurePeerClosed, terminal.Error.Kind)
}

func TestDispatchAlwaysDeregistersKillHandle(t *testing.T) {
	conn := &scriptedConn{lines: [][]byte{
		frame(t, sessionproto.Frame{Kind: sessionproto.FrameKindTerminal, Terminal: &core.TerminalResult{ExecutionId: "exec-7", Kind: "success"}}),
	}}
	kr := killregistry.New(nil)
	d := New(Config{
		Pool:      newTestPool(t, conn),
		Decryptor: testDecryptor(t),
		KillReg:   kr,
		Publisher: &fakePublisher{},
	})

	req := &core.Request{ExecutionId: "exec-7", Kind: core.KindActionRun}
	d.Dispatch(context.Background(), req, core.ReplyAddress("reply"))

	assert.False(t, kr.Contains("exec-7"), "every dispatch exit path must deregister its kill handle")
}

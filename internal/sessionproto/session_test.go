package sessionproto

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systeminit/veritech/internal/core"
)

// fakeConn feeds pre-scripted inbound lines and records outbound ones, for
// driving a Session without a real socket.
type fakeConn struct {
	in      [][]byte
	out     [][]byte
	closed  bool
	closedW bool
}

func (c *fakeConn) ReadLine(ctx context.Context) ([]byte, error) {
	if len(c.in) == 0 {
		return nil, context.Canceled
	}
	line := c.in[0]
	c.in = c.in[1:]
	return line, nil
}

func (c *fakeConn) WriteLine(ctx context.Context, line []byte) error {
	cp := make([]byte, len(line))
	copy(cp, line)
	c.out = append(c.out, cp)
	return nil
}

func (c *fakeConn) CloseWrite() error { c.closedW = true; return nil }
func (c *fakeConn) Close() error      { c.closed = true; return nil }

func frameLine(t *testing.T, f Frame) []byte {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err)
	return append(b, '\n')
}

func TestSessionHappyPathReachesTerminal(t *testing.T) {
	conn := &fakeConn{}
	sess := New(core.ExecutionId("exec-1"), conn)

	req := &core.Request{ExecutionId: "exec-1"}
	require.NoError(t, sess.Start(context.Background(), req))
	assert.Equal(t, PhaseStarted, sess.Phase())
	require.Len(t, conn.out, 1)

	out := core.NewOutput("exec-1", core.StreamStdout, core.LevelInfo, "hello", 0)
	conn.in = [][]byte{
		frameLine(t, Frame{Kind: FrameKindOutput, Output: &out}),
		frameLine(t, Frame{Kind: FrameKindFinish}),
		frameLine(t, Frame{Kind: FrameKindTerminal, Terminal: &core.TerminalResult{ExecutionId: "exec-1", Kind: "success"}}),
	}

	f1, err := sess.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FrameKindOutput, f1.Kind)
	assert.Equal(t, PhaseProcessing, sess.Phase())

	f2, err := sess.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FrameKindFinish, f2.Kind)
	assert.Equal(t, PhaseFinishing, sess.Phase())

	f3, err := sess.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FrameKindTerminal, f3.Kind)
	assert.True(t, sess.Done())
}

func TestSessionAllowsTerminalWithoutFinish(t *testing.T) {
	conn := &fakeConn{}
	sess := New(core.ExecutionId("exec-2"), conn)
	require.NoError(t, sess.Start(context.Background(), &core.Request{ExecutionId: "exec-2"}))

	conn.in = [][]byte{
		frameLine(t, Frame{Kind: FrameKindTerminal, Terminal: &core.TerminalResult{ExecutionId: "exec-2", Kind: "success"}}),
	}
	_, err := sess.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, sess.Done())
}

func TestSessionRejectsFrameAfterTerminal(t *testing.T) {
	conn := &fakeConn{}
	sess := New(core.ExecutionId("exec-3"), conn)
	require.NoError(t, sess.Start(context.Background(), &core.Request{ExecutionId: "exec-3"}))

	conn.in = [][]byte{
		frameLine(t, Frame{Kind: FrameKindTerminal, Terminal: &core.TerminalResult{ExecutionId: "exec-3", Kind: "success"}}),
		frameLine(t, Frame{Kind: FrameKindOutput}),
	}
	_, err := sess.Next(context.Background())
	require.NoError(t, err)

	_, err = sess.Next(context.Background())
	assert.Error(t, err, "no frame is legal once a session has reached Terminal")
}

func TestSessionRejectsMalformedFrame(t *testing.T) {
	conn := &fakeConn{in: [][]byte{[]byte("not json\n")}}
	sess := New(core.ExecutionId("exec-4"), conn)
	require.NoError(t, sess.Start(context.Background(), &core.Request{ExecutionId: "exec-4"}))

	_, err := sess.Next(context.Background())
	assert.Error(t, err)
}

func TestSessionErrorFrameAborts(t *testing.T) {
	conn := &fakeConn{}
	sess := New(core.ExecutionId("exec-5"), conn)
	require.NoError(t, sess.Start(context.Background(), &core.Request{ExecutionId: "exec-5"}))

	conn.in = [][]byte{frameLine(t, Frame{Kind: FrameKindError, ErrorText: "boom"})}
	_, err := sess.Next(context.Background())
	assert.Error(t, err)
}

func TestSessionStatsTracksFrameCounts(t *testing.T) {
	conn := &fakeConn{}
	sess := New(core.ExecutionId("exec-6"), conn)
	require.NoError(t, sess.Start(context.Background(), &core.Request{ExecutionId: "exec-6"}))

	conn.in = [][]byte{
		frameLine(t, Frame{Kind: FrameKindTerminal, Terminal: &core.TerminalResult{ExecutionId: "exec-6", Kind: "success"}}),
	}
	_, err := sess.Next(context.Background())
	require.NoError(t, err)

	stats := sess.Stats()
	assert.Equal(t, int64(1), stats.FramesOut)
	assert.Equal(t, int64(1), stats.FramesIn)
	assert.Equal(t, PhaseTerminal, stats.Phase)
}

func TestSessionCloseDelegatesToConn(t *testing.T) {
	conn := &fakeConn{}
	sess := New(core.ExecutionId("exec-7"), conn)
	require.NoError(t, sess.Close())
	assert.True(t, conn.closed)
}

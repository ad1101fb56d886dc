package producer

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tabbridge/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type peer struct {
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer
}

func (p *peer) send(t *testing.T, action string, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(action, payload)
	require.NoError(t, err)
	require.NoError(t, p.w.Write(env))
}

func (p *peer) reply(t *testing.T) wire.Reply {
	t.Helper()
	env, err := p.r.Next()
	require.NoError(t, err)
	msg, err := wire.Parse(env)
	require.NoError(t, err)
	reply, ok := msg.(wire.Reply)
	require.True(t, ok, "expected response, got %T", msg)
	return reply
}

func newPair(t *testing.T, opts Options) (*Conn, *peer) {
	t.Helper()
	a, b := net.Pipe()
	if opts.ID == "" {
		opts.ID = "src-1"
	}
	c := New(a, opts)
	p := &peer{conn: b, r: wire.NewReader(b, 0), w: wire.NewWriter(b, 0)}
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, p
}

// runLoop drains Next until the connection dies.
func runLoop(t *testing.T, c *Conn) <-chan Inbound {
	t.Helper()
	out := make(chan Inbound, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		for {
			in, err := c.Next()
			if err != nil {
				return
			}
			out <- in
		}
	}()
	t.Cleanup(func() {
		c.Close()
		<-done
	})
	return out
}

func TestPingAnsweredSynchronously(t *testing.T) {
	c, p := newPair(t, Options{})
	runLoop(t, c)

	p.send(t, wire.ActionPing, nil)
	reply := p.reply(t)

	assert.True(t, reply.Success)
	assert.Equal(t, "pong", reply.Message)
	assert.NotZero(t, reply.Timestamp)
	assert.Equal(t, Live, c.State())
}

func TestNextSurfacesMessagesAndStampsLastSeen(t *testing.T) {
	c, p := newPair(t, Options{})
	in := runLoop(t, c)

	p.send(t, wire.ActionTabRemoved, map[string]any{"tabId": 4})
	first := <-in
	p.send(t, wire.ActionTabRemoved, map[string]any{"tabId": 5})
	second := <-in

	assert.Equal(t, wire.TabRemoved{TabID: "4"}, first.Msg)
	assert.Equal(t, wire.TabRemoved{TabID: "5"}, second.Msg)
	assert.False(t, second.At.Before(first.At))
	assert.Equal(t, second.At, c.LastSeen())
}

func TestParseErrorReachesHandler(t *testing.T) {
	c, p := newPair(t, Options{})
	in := runLoop(t, c)

	p.send(t, wire.ActionUpdateTabData, map[string]any{"tabs": "nope"})
	got := <-in

	assert.Nil(t, got.Msg)
	var se *wire.SchemaError
	assert.True(t, errors.As(got.ParseErr, &se))
}

func TestSingleFramingErrorIsAnswered(t *testing.T) {
	c, p := newPair(t, Options{})
	in := runLoop(t, c)

	require.NoError(t, p.w.WriteFrame([]byte("not json")))
	reply := p.reply(t)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Error, "Invalid message")

	p.send(t, wire.ActionGetAllTabs, nil)
	got := <-in
	assert.Equal(t, wire.GetAllTabs{}, got.Msg)
	assert.NotEqual(t, Dead, c.State())
}

func TestRepeatedFramingErrorsKillConnection(t *testing.T) {
	var reasons []string
	c, p := newPair(t, Options{OnFramingError: func(reason string, _ time.Time) {
		reasons = append(reasons, reason)
	}})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Next()
		errCh <- err
	}()

	require.NoError(t, p.w.WriteFrame([]byte("not json")))
	p.reply(t)
	require.NoError(t, p.w.WriteFrame([]byte("[]")))

	err := <-errCh
	var fe *wire.FramingError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, Dead, c.State())
	<-c.Done()
	assert.Len(t, reasons, 2)
}

func TestOversizeFrameIsFatal(t *testing.T) {
	c, p := newPair(t, Options{})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Next()
		errCh <- err
	}()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], wire.MaxFrameSize+1)
	_, err := p.conn.Write(hdr[:])
	require.NoError(t, err)

	assert.True(t, wire.IsFatal(<-errCh))
	assert.Equal(t, Dead, c.State())
}

func TestZeroLengthFrameIsFatal(t *testing.T) {
	c, p := newPair(t, Options{})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Next()
		errCh <- err
	}()

	_, err := p.conn.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)

	assert.True(t, wire.IsFatal(<-errCh))
	assert.Equal(t, Dead, c.State())
}

func TestEndOfStreamIsTransportClosed(t *testing.T) {
	c, p := newPair(t, Options{})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Next()
		errCh <- err
	}()

	p.conn.Close()

	assert.ErrorIs(t, <-errCh, ErrTransportClosed)
	assert.ErrorIs(t, c.Err(), ErrTransportClosed)
	assert.ErrorIs(t, c.Send(wire.Envelope{Action: wire.ActionPing}), ErrTransportClosed)
}

func TestActivateAcknowledged(t *testing.T) {
	c, p := newPair(t, Options{})
	in := runLoop(t, c)

	go func() {
		env, err := p.r.Next()
		if err != nil || env.Action != wire.ActionSwitchToTab {
			return
		}
		_ = p.w.Write(wire.Envelope{Action: wire.ActionTabSwitched, Payload: []byte(`{"tabId":7}`)})
	}()

	err := c.Activate(context.Background(), wire.SwitchToTab{TabID: "7", Timestamp: 1})
	require.NoError(t, err)

	// The acknowledgment is still visible to the handler.
	got := <-in
	assert.Equal(t, wire.TabSwitched{TabID: "7"}, got.Msg)
}

func TestActivateProducerFault(t *testing.T) {
	c, p := newPair(t, Options{})
	runLoop(t, c)

	go func() {
		if _, err := p.r.Next(); err != nil {
			return
		}
		_ = p.w.Write(wire.Envelope{Action: wire.ActionError, Payload: []byte(`{"message":"No tab with id: 7"}`)})
	}()

	err := c.Activate(context.Background(), wire.SwitchToTab{TabID: "7"})

	var fault *FaultError
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "No tab with id: 7", fault.Message)
}

func TestCloseTabAcknowledgedByResponse(t *testing.T) {
	c, p := newPair(t, Options{})
	runLoop(t, c)

	go func() {
		if _, err := p.r.Next(); err != nil {
			return
		}
		env, _ := wire.OK("closed").Envelope()
		_ = p.w.Write(env)
	}()

	assert.NoError(t, c.CloseTab(context.Background(), wire.CloseCommand{TabID: "3"}))
}

func TestActivateTimeoutLeavesConnectionOpen(t *testing.T) {
	c, p := newPair(t, Options{})
	runLoop(t, c)

	go func() { _, _ = p.r.Next() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Activate(ctx, wire.SwitchToTab{TabID: "1"})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEqual(t, Dead, c.State())
}

func TestProbeConnectionGoesLiveOnPing(t *testing.T) {
	c, p := newPair(t, Options{Probe: true})
	runLoop(t, c)

	go func() {
		env, err := p.r.Next()
		if err != nil || env.Action != wire.ActionPing {
			return
		}
		resp, _ := wire.OK("pong").Envelope()
		_ = p.w.Write(resp)
	}()

	assert.Equal(t, Connecting, c.State())
	require.NoError(t, c.Ping(context.Background()))

	select {
	case <-c.Live():
	case <-time.After(time.Second):
		t.Fatal("connection never went live")
	}
	assert.Equal(t, Live, c.State())
}

func TestCallFailsWhenConnectionDies(t *testing.T) {
	c, p := newPair(t, Options{})
	runLoop(t, c)

	go func() {
		if _, err := p.r.Next(); err != nil {
			return
		}
		p.conn.Close()
	}()

	err := c.Activate(context.Background(), wire.SwitchToTab{TabID: "1"})
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestTraceSeesBothDirections(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c, p := newPair(t, Options{Trace: func(dir string, env wire.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, dir+":"+env.Action)
	}})
	runLoop(t, c)

	p.send(t, wire.ActionPing, nil)
	p.reply(t)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && seen[0] == "in:ping" && seen[1] == "out:"
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentCommandsKeepTheirOwnAnswers(t *testing.T) {
	c, p := newPair(t, Options{})
	runLoop(t, c)

	// Bare responses only, so the answer cannot name its command.
	go func() {
		for i := 0; i < 2; i++ {
			env, err := p.r.Next()
			if err != nil {
				return
			}
			resp := wire.OK("switched")
			if env.Action == wire.ActionCloseTab {
				resp = wire.Fail("cannot close tab B")
			}
			out, _ := resp.Envelope()
			if p.w.Write(out) != nil {
				return
			}
		}
	}()

	activateErr := make(chan error, 1)
	closeErr := make(chan error, 1)
	go func() { activateErr <- c.Activate(context.Background(), wire.SwitchToTab{TabID: "A"}) }()
	go func() { closeErr <- c.CloseTab(context.Background(), wire.CloseCommand{TabID: "B"}) }()

	assert.NoError(t, <-activateErr)
	var fault *FaultError
	require.True(t, errors.As(<-closeErr, &fault))
	assert.Equal(t, "cannot close tab B", fault.Message)
}

func TestPingDuringActivateKeepsAcksApart(t *testing.T) {
	c, p := newPair(t, Options{})
	runLoop(t, c)

	activateErr := make(chan error, 1)
	go func() { activateErr <- c.Activate(context.Background(), wire.SwitchToTab{TabID: "7"}) }()
	env, err := p.r.Next()
	require.NoError(t, err)
	require.Equal(t, wire.ActionSwitchToTab, env.Action)

	pingErr := make(chan error, 1)
	go func() { pingErr <- c.Ping(context.Background()) }()
	env, err = p.r.Next()
	require.NoError(t, err)
	require.Equal(t, wire.ActionPing, env.Action)

	pong, _ := wire.OK("pong").Envelope()
	require.NoError(t, p.w.Write(pong))
	require.NoError(t, <-pingErr)

	select {
	case err := <-activateErr:
		t.Fatalf("activate finished before its acknowledgment: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.w.Write(wire.Envelope{Action: wire.ActionTabSwitched, Payload: []byte(`{"tabId":7}`)}))
	assert.NoError(t, <-activateErr)
}

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BetaCatPro/ws-guard/internal/errors"
	"github.com/BetaCatPro/ws-guard/pkg/server"
	"github.com/BetaCatPro/ws-guard/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// countingDialer 统计拨号次数，fail 为 true 时直接返回错误
type countingDialer struct {
	calls atomic.Int64
	fail  atomic.Bool
	delay time.Duration
}

func (d *countingDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.calls.Inc()
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.fail.Load() {
		return nil, nil, fmt.Errorf("connection refused")
	}
	return websocket.DefaultDialer.DialContext(ctx, urlStr, h)
}

func testConfig() *types.Config {
	cfg := types.DefaultConfig()
	cfg.AutoReconnect = false
	cfg.HeartbeatInterval = 0
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReconnectBaseTime = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.ReconnectMinInterval = 0
	cfg.MaxQueueSize = 3
	return cfg
}

func startServer(t *testing.T, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	s := server.NewServer(":0", opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.CloseAll(websocket.CloseGoingAway, "test done")
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newClient(t *testing.T, url string, cfg *types.Config, d Dialer) *Client {
	t.Helper()
	c, err := NewClient(url, cfg, WithDialer(d))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClientRejectsInvalidURL(t *testing.T) {
	_, err := NewClient("http://example.com", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidURL)
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	_, url := startServer(t)
	d := &countingDialer{delay: 30 * time.Millisecond}
	c := newClient(t, url, testConfig(), d)

	var connects atomic.Int64
	c.On(types.EventConnect, func(any) { connects.Inc() })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Connect(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), d.calls.Load())
	require.Eventually(t, func() bool { return connects.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.True(t, c.IsConnected())
	assert.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int64(1), d.calls.Load())
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	d := &countingDialer{}
	d.fail.Store(true)
	cfg := testConfig()
	cfg.Breaker.ResetTimeout = time.Minute
	c := newClient(t, "ws://127.0.0.1:1/ws", cfg, d)

	var opened atomic.Int64
	c.On(types.EventCircuitOpen, func(p any) {
		opened.Inc()
		assert.Equal(t, 5, p.(types.CircuitOpenEvent).Failures)
	})

	for i := 0; i < 5; i++ {
		err := c.Connect(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, errors.ErrCircuitOpen)
	}
	require.Eventually(t, func() bool { return opened.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, types.BreakerOpen, c.BreakerState())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.Equal(t, int64(5), d.calls.Load())
	assert.Equal(t, int64(1), opened.Load())
	assert.Equal(t, int64(5), c.GetStats().FailedConnections)
}

func TestQueueFlushedInOrderOnConnect(t *testing.T) {
	s, url := startServer(t)
	var mu sync.Mutex
	var got []string
	s.SetMessageHandler(func(_ string, env types.Envelope) {
		mu.Lock()
		got = append(got, env.Type)
		mu.Unlock()
	})

	c := newClient(t, url, testConfig(), &countingDialer{})
	for _, name := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, c.SendMessage(types.NewEnvelope(name, nil)))
	}
	assert.Equal(t, 3, c.QueueLength())
	assert.Equal(t, int64(2), c.GetStats().DroppedMessages)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"m3", "m4", "m5"}, got)
	mu.Unlock()
	assert.Equal(t, 0, c.QueueLength())
}

func TestSendWithoutQueueFails(t *testing.T) {
	cfg := testConfig()
	cfg.EnableQueue = false
	c := newClient(t, "ws://127.0.0.1:1/ws", cfg, &countingDialer{})
	assert.ErrorIs(t, c.SendMessage(types.NewEnvelope("x", nil)), errors.ErrNotConnected)
}

func TestRequestWithTimeoutResolves(t *testing.T) {
	_, url := startServer(t)
	c := newClient(t, url, testConfig(), &countingDialer{})
	require.NoError(t, c.Connect(context.Background()))

	resp, err := c.RequestWithTimeout(context.Background(),
		types.NewEnvelope("", map[string]any{"q": "status"}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.TypeResponse, resp.Type)
	assert.Equal(t, map[string]any{"q": "status"}, resp.Data["echo"])
	assert.Equal(t, 0, c.PendingCount())
}

func TestRequestRejectedByFailureResponse(t *testing.T) {
	_, url := startServer(t, server.WithRequestHandler(
		func(context.Context, string, types.Envelope) (*types.Envelope, error) {
			return nil, fmt.Errorf("unknown command")
		}))
	c := newClient(t, url, testConfig(), &countingDialer{})
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.RequestWithTimeout(context.Background(), types.NewEnvelope(types.TypeTrigger, nil), time.Second)
	var reqErr *errors.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "unknown command", reqErr.Message)
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	_, url := startServer(t, server.WithRequestHandler(
		func(context.Context, string, types.Envelope) (*types.Envelope, error) {
			return nil, nil
		}))
	c := newClient(t, url, testConfig(), &countingDialer{})
	require.NoError(t, c.Connect(context.Background()))

	requestErrs := make(chan error, 1)
	c.On(types.EventError, func(p any) {
		if ev := p.(types.ErrorEvent); ev.Op == types.OpRequest {
			requestErrs <- ev.Err
		}
	})

	start := time.Now()
	_, err := c.RequestWithTimeout(context.Background(), types.NewEnvelope(types.TypeRequest, nil), 50*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, c.PendingCount())
	select {
	case err := <-requestErrs:
		assert.ErrorIs(t, err, errors.ErrRequestTimeout)
	case <-time.After(time.Second):
		t.Fatal("request error not emitted")
	}
}

func TestDisconnectRejectsPending(t *testing.T) {
	_, url := startServer(t, server.WithRequestHandler(
		func(context.Context, string, types.Envelope) (*types.Envelope, error) {
			return nil, nil
		}))
	c := newClient(t, url, testConfig(), &countingDialer{})
	require.NoError(t, c.Connect(context.Background()))

	var disconnects atomic.Int64
	c.On(types.EventDisconnect, func(p any) {
		disconnects.Inc()
		assert.Equal(t, websocket.CloseNormalClosure, p.(types.DisconnectEvent).Code)
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RequestWithTimeout(context.Background(), types.NewEnvelope(types.TypeRequest, nil), 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, 2*time.Millisecond)

	require.NoError(t, c.Disconnect())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected")
	}
	assert.Equal(t, types.StateDisconnected, c.State())
	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, time.Second, 2*time.Millisecond)
}

func TestServerCloseTriggersReconnect(t *testing.T) {
	s, url := startServer(t)
	cfg := testConfig()
	cfg.AutoReconnect = true
	d := &countingDialer{}
	c := newClient(t, url, cfg, d)

	reconnecting := make(chan types.ReconnectingEvent, 8)
	c.On(types.EventReconnecting, func(p any) { reconnecting <- p.(types.ReconnectingEvent) })
	codes := make(chan int, 4)
	c.On(types.EventDisconnect, func(p any) { codes <- p.(types.DisconnectEvent).Code })

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.CloseAll(4000, "force reconnect")
	select {
	case code := <-codes:
		assert.Equal(t, 4000, code)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not emitted")
	}
	select {
	case ev := <-reconnecting:
		assert.Equal(t, 1, ev.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect not attempted")
	}
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), d.calls.Load())
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	s, url := startServer(t)
	cfg := testConfig()
	cfg.AutoReconnect = true
	d := &countingDialer{}
	c := newClient(t, url, cfg, d)
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.CloseAll(websocket.CloseNormalClosure, "bye")
	require.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), d.calls.Load())
}

func TestStartupPhaseCapEmitsFailure(t *testing.T) {
	d := &countingDialer{}
	d.fail.Store(true)
	cfg := testConfig()
	cfg.AutoReconnect = true
	cfg.StartupMaxAttempts = 2
	cfg.Breaker.FailureThreshold = 100
	c := newClient(t, "ws://127.0.0.1:1/ws", cfg, d)

	failed := make(chan types.StartupFailedEvent, 1)
	c.On(types.EventStartupConnectionFailed, func(p any) { failed <- p.(types.StartupFailedEvent) })

	require.Error(t, c.Connect(context.Background()))
	select {
	case ev := <-failed:
		assert.Equal(t, 2, ev.Attempts)
		assert.ErrorIs(t, ev.Err, errors.ErrStartupFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("startup failure not emitted")
	}
	assert.True(t, c.InStartupPhase())

	c.EndStartupPhase()
	assert.False(t, c.InStartupPhase())
	before := d.calls.Load()
	require.Eventually(t, func() bool { return d.calls.Load() > before+3 }, 2*time.Second, 5*time.Millisecond)
}

func TestOwnerListenersRemoved(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1/ws", testConfig(), &countingDialer{})

	var owned, other atomic.Int64
	c.OnWithOwner("monitor-a", types.EventError, func(any) { owned.Inc() })
	c.OnWithOwner("monitor-a", types.EventDisconnect, func(any) { owned.Inc() })
	c.On(types.EventError, func(any) { other.Inc() })

	assert.Equal(t, 2, c.OffAllByOwner("monitor-a"))
	c.emitter.Emit(types.EventError, types.ErrorEvent{Op: types.OpSend})
	assert.Equal(t, int64(0), owned.Load())
	assert.Equal(t, int64(1), other.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	_, url := startServer(t)
	c := newClient(t, url, testConfig(), &countingDialer{})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()), errors.ErrClientClosed)
	assert.ErrorIs(t, c.SendMessage(types.NewEnvelope("x", nil)), errors.ErrClientClosed)
}

// silentHandler 不回复请求
func silentHandler(context.Context, string, types.Envelope) (*types.Envelope, error) {
	return nil, nil
}

func TestUnexpectedCloseRejectsPending(t *testing.T) {
	s, url := startServer(t, server.WithRequestHandler(silentHandler))
	c := newClient(t, url, testConfig(), &countingDialer{})
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RequestWithTimeout(context.Background(), types.NewEnvelope(types.TypeRequest, nil), 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, 2*time.Millisecond)

	s.CloseAll(4001, "maintenance")
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected")
	}
	assert.Equal(t, 0, c.PendingCount())
	assert.Equal(t, 0, c.QueueLength())
}

func TestUnexpectedCloseRequeuesPending(t *testing.T) {
	var calls atomic.Int64
	s, url := startServer(t, server.WithRequestHandler(
		func(ctx context.Context, connID string, req types.Envelope) (*types.Envelope, error) {
			if calls.Inc() == 1 {
				return nil, nil
			}
			return server.EchoHandler(ctx, connID, req)
		}))
	cfg := testConfig()
	cfg.AutoReconnect = true
	cfg.RequeueOnDisconnect = true
	d := &countingDialer{}
	c := newClient(t, url, cfg, d)
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		env types.Envelope
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		env, err := c.RequestWithTimeout(context.Background(),
			types.NewEnvelope(types.TypeRequest, map[string]any{"n": "1"}), 5*time.Second)
		resCh <- result{env, err}
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 2*time.Millisecond)

	s.CloseAll(4001, "maintenance")
	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, map[string]any{"n": "1"}, res.env.Data["echo"])
	case <-time.After(3 * time.Second):
		t.Fatal("requeued request not resolved after reconnect")
	}
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(2), d.calls.Load())
	assert.Equal(t, 0, c.PendingCount())
}

func TestRequestRoundTripWithEncodings(t *testing.T) {
	cases := []struct {
		name        string
		protocol    string
		compression string
	}{
		{"protobuf", "protobuf", "none"},
		{"gzip", "json", "gzip"},
		{"snappy", "json", "snappy"},
		{"protobuf+gzip", "protobuf", "gzip"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Protocol = tc.protocol
			cfg.Compression = tc.compression
			_, url := startServer(t, server.WithConnectionConfig(cfg))
			c := newClient(t, url, cfg, &countingDialer{})
			require.NoError(t, c.Connect(context.Background()))

			resp, err := c.RequestWithTimeout(context.Background(),
				types.NewEnvelope(types.TypeRequest, map[string]any{"q": "status"}), time.Second)
			require.NoError(t, err)
			assert.Equal(t, types.TypeResponse, resp.Type)
			assert.Equal(t, map[string]any{"q": "status"}, resp.Data["echo"])

			status, err := c.RequestWithTimeout(context.Background(),
				types.NewEnvelope(types.TypeRequest, map[string]any{"action": "server_status"}), time.Second)
			require.NoError(t, err)
			assert.Equal(t, "ok", status.Data["status"])
		})
	}
}

func TestListenerCanIssueRequest(t *testing.T) {
	s, url := startServer(t)
	c := newClient(t, url, testConfig(), &countingDialer{})

	replies := make(chan error, 1)
	c.On("notify", func(any) {
		_, err := c.RequestWithTimeout(context.Background(),
			types.NewEnvelope(types.TypeRequest, map[string]any{"ack": "notify"}), time.Second)
		replies <- err
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.BroadcastMessage(types.NewEnvelope("notify", map[string]any{"text": "hello"}))
	require.NoError(t, err)
	select {
	case err := <-replies:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("listener request did not complete")
	}
}

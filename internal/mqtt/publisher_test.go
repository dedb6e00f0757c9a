package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stairwatch/internal/monitor"
	"stairwatch/internal/stairs"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	opts *paho.ClientOptions
	// connectErrs fail the first connects in order; connectErr fails the
	// rest.
	connectErrs []error
	connectErr  error
	publishErr  error

	mu           sync.Mutex
	connects     int
	msgs         []published
	disconnected bool
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return newToken(err)
	}
	return newToken(c.connectErr)
}

func (c *fakeClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: string(payload.([]byte))})
	return newToken(c.publishErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func withFakeClient(t *testing.T, fc *fakeClient) {
	t.Helper()
	old := newClient
	newClient = func(opts *paho.ClientOptions) client {
		fc.opts = opts
		return fc
	}
	t.Cleanup(func() { newClient = old })
}

func runPublisher(t *testing.T, p *Publisher) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
			return nil
		}
	}
}

func TestNew_Options(t *testing.T) {
	fc := &fakeClient{}
	withFakeClient(t, fc)

	_, err := New(Config{Broker: "tcp://localhost:1883", TopicPrefix: "home/stairs", Username: "u", Password: "p"})
	require.NoError(t, err)
	require.Len(t, fc.opts.Servers, 1)
	assert.Equal(t, "localhost:1883", fc.opts.Servers[0].Host)
	assert.Equal(t, "stairwatch", fc.opts.ClientID)
	assert.Equal(t, "u", fc.opts.Username)
	assert.True(t, fc.opts.WillEnabled)
	assert.Equal(t, "home/stairs/status", fc.opts.WillTopic)
	assert.True(t, fc.opts.WillRetained)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.EqualError(t, err, "mqtt: broker is required")

	_, err = New(Config{Broker: "tcp://x:1883", QoS: 3})
	require.EqualError(t, err, "mqtt: invalid qos 3")
}

func TestPublisher_StairPublishesEventAndCount(t *testing.T) {
	fc := &fakeClient{}
	withFakeClient(t, fc)
	p, err := New(Config{Broker: "tcp://x:1883"})
	require.NoError(t, err)
	stop := runPublisher(t, p)

	p.Stair(monitor.StairEvent{SessionID: "s1", StairEvent: stairs.StairEvent{Count: 7}})
	require.Eventually(t, func() bool { return p.Stats().Published == 3 }, time.Second, time.Millisecond)
	require.NoError(t, stop())

	msgs := fc.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, published{topic: "stairwatch/status", retained: true, payload: "online"}, msgs[0])
	assert.Equal(t, "stairwatch/stair", msgs[1].topic)
	assert.False(t, msgs[1].retained)
	assert.Contains(t, msgs[1].payload, `"session_id":"s1"`)
	assert.Contains(t, msgs[1].payload, `"count":7`)
	assert.Equal(t, published{topic: "stairwatch/count", retained: true, payload: "7"}, msgs[2])
	assert.Equal(t, published{topic: "stairwatch/status", retained: true, payload: "offline"}, msgs[3])
	assert.True(t, fc.disconnected)
}

func TestPublisher_EpisodesOptIn(t *testing.T) {
	fc := &fakeClient{}
	withFakeClient(t, fc)
	p, err := New(Config{Broker: "tcp://x:1883", Episodes: true})
	require.NoError(t, err)
	stop := runPublisher(t, p)

	p.Episode(monitor.EpisodeEvent{SessionID: "s1", EpisodeResult: stairs.EpisodeResult{Outcome: stairs.OutcomeAborted}})
	require.Eventually(t, func() bool { return p.Stats().Published == 2 }, time.Second, time.Millisecond)
	require.NoError(t, stop())

	msgs := fc.messages()
	assert.Equal(t, "stairwatch/episode", msgs[1].topic)
	assert.Contains(t, msgs[1].payload, `"outcome":"aborted"`)
}

func TestPublisher_EpisodesOffByDefault(t *testing.T) {
	fc := &fakeClient{}
	withFakeClient(t, fc)
	p, err := New(Config{Broker: "tcp://x:1883", QueueLen: 1})
	require.NoError(t, err)

	p.Episode(monitor.EpisodeEvent{})
	assert.Empty(t, p.queue)
}

func TestPublisher_QueueFullDrops(t *testing.T) {
	fc := &fakeClient{}
	withFakeClient(t, fc)
	p, err := New(Config{Broker: "tcp://x:1883", QueueLen: 1})
	require.NoError(t, err)

	// Not running: the event fills the queue, the count overflows it.
	p.Stair(monitor.StairEvent{StairEvent: stairs.StairEvent{Count: 1}})
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestPublisher_ConnectErrorKeepsRetrying(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("not authorized")}
	withFakeClient(t, fc)
	p, err := New(Config{Broker: "tcp://x:1883", RetryInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return fc.connectCount() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	st := p.Stats()
	assert.False(t, st.Connected)
	assert.Equal(t, "mqtt: connect tcp://x:1883: not authorized", st.LastError)
	assert.Empty(t, fc.messages())
}

func TestPublisher_BrokerDownAtStartup(t *testing.T) {
	down := errors.New("connection refused")
	fc := &fakeClient{connectErrs: []error{down, down}}
	withFakeClient(t, fc)
	p, err := New(Config{Broker: "tcp://x:1883", RetryInterval: time.Millisecond})
	require.NoError(t, err)

	// Queued before the broker is reachable.
	p.Stair(monitor.StairEvent{StairEvent: stairs.StairEvent{Count: 1}})
	stop := runPublisher(t, p)

	require.Eventually(t, func() bool { return p.Stats().Published == 3 }, time.Second, time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, 3, fc.connectCount())
	assert.True(t, p.Stats().Connected)
	msgs := fc.messages()
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, "stairwatch/status", msgs[0].topic)
	assert.Equal(t, "online", msgs[0].payload)
	assert.Equal(t, "stairwatch/stair", msgs[1].topic)
	assert.Equal(t, published{topic: "stairwatch/count", retained: true, payload: "1"}, msgs[2])
}

func TestPublisher_PublishErrorRecorded(t *testing.T) {
	fc := &fakeClient{publishErr: errors.New("not connected")}
	withFakeClient(t, fc)
	p, err := New(Config{Broker: "tcp://x:1883"})
	require.NoError(t, err)
	stop := runPublisher(t, p)

	require.Eventually(t, func() bool { return p.Stats().LastError != "" }, time.Second, time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, "mqtt: publish stairwatch/status: not connected", p.Stats().LastError)
	assert.Zero(t, p.Stats().Published)
}

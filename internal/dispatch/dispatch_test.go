package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/example/driver-dispatch/internal/models"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sent  map[string][]models.Message
	fail  map[string]error
	block map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: map[string][]models.Message{}, fail: map[string]error{}, block: map[string]bool{}}
}

func (f *fakeNotifier) Send(ctx context.Context, id string, msg models.Message) error {
	f.mu.Lock()
	err, blocked := f.fail[id], f.block[id]
	f.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent[id] = append(f.sent[id], msg)
	f.mu.Unlock()
	return nil
}

func offer(id string) models.Message {
	return models.Message{Type: models.MessageJobOffer, JobID: "job-1", Data: map[string]any{"worker": id}}
}

func TestBroadcastCollectsFailuresWithoutStopping(t *testing.T) {
	n := newFakeNotifier()
	n.fail["w2"] = errors.New("unreachable")
	n.block["w3"] = true
	b := &Broadcaster{Notifier: n, Timeout: 50 * time.Millisecond, Concurrency: 2}

	res := b.Broadcast(context.Background(), []string{"w1", "w2", "w3", "w4"}, offer)

	assert.ElementsMatch(t, []string{"w1", "w4"}, res.Delivered)
	require.Len(t, res.Failed, 2)
	errs := multierr.Errors(res.Err())
	assert.Len(t, errs, 2)

	var timedOut bool
	for _, f := range res.Failed {
		if f.RecipientID == "w3" {
			timedOut = errors.Is(f, context.DeadlineExceeded)
		}
	}
	assert.True(t, timedOut, "slow recipient should fail with deadline exceeded")
	assert.Equal(t, "w1", n.sent["w1"][0].Data["worker"])
}

func TestBroadcastEmpty(t *testing.T) {
	b := &Broadcaster{Notifier: newFakeNotifier()}
	res := b.Broadcast(context.Background(), nil, offer)
	assert.Empty(t, res.Delivered)
	assert.NoError(t, res.Err())
}

func TestFallbackUsesSecondary(t *testing.T) {
	primary := newFakeNotifier()
	primary.fail["w1"] = ErrNoSession
	secondary := newFakeNotifier()
	f := &Fallback{Primary: primary, Secondary: secondary}

	require.NoError(t, f.Send(context.Background(), "w1", offer("w1")))
	assert.Len(t, secondary.sent["w1"], 1)

	secondary.fail["w2"] = errors.New("gateway down")
	primary.fail["w2"] = ErrNoSession
	assert.Error(t, f.Send(context.Background(), "w2", offer("w2")))
}

func TestHTTPPush(t *testing.T) {
	var got map[string]map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		if strings.Contains(r.URL.Path, "fail") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPPush(srv.URL, "secret")
	require.NoError(t, p.Send(context.Background(), "w1", offer("w1")))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "w1", got["message"]["recipient_id"])

	bad := NewHTTPPush(srv.URL+"/fail", "")
	assert.Error(t, bad.Send(context.Background(), "w1", offer("w1")))
}

type fakePublisher struct {
	channel   string
	payload   []byte
	published int
	receivers int64
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	f.published++
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.receivers)
	return cmd
}

func TestRedisPublisher(t *testing.T) {
	pub := &fakePublisher{receivers: 1}
	p := NewRedisPublisher(pub, "")
	require.NoError(t, p.Send(context.Background(), "w9", offer("w9")))
	assert.Equal(t, "dispatch:notify:w9", pub.channel)

	pub.receivers = 0
	assert.ErrorIs(t, p.Send(context.Background(), "w9", offer("w9")), ErrNoSubscriber)
}

func TestRedisRelayDeliversToLocalSessions(t *testing.T) {
	pub := &fakePublisher{receivers: 1}
	p := NewRedisPublisher(pub, "")
	local := newFakeNotifier()
	local.fail["w2"] = ErrNoSession
	relay := &RedisRelay{Local: local}
	assert.Equal(t, "dispatch:notify:*", relay.Pattern())

	msgs := make(chan *redis.Message, 8)
	for _, id := range []string{"w1", "w2"} {
		require.NoError(t, p.Send(context.Background(), id, offer(id)))
		msgs <- &redis.Message{Channel: pub.channel, Pattern: relay.Pattern(), Payload: string(pub.payload)}
	}
	msgs <- &redis.Message{Channel: "dispatch:notify:w3", Payload: "{not json"}
	msgs <- &redis.Message{Channel: "other:w1", Payload: string(pub.payload)}
	close(msgs)

	relay.Run(context.Background(), msgs)

	require.Len(t, local.sent["w1"], 1)
	assert.Equal(t, models.MessageJobOffer, local.sent["w1"][0].Type)
	assert.Equal(t, "job-1", local.sent["w1"][0].JobID)
	assert.Empty(t, local.sent["w2"])
	assert.Empty(t, local.sent["w3"])
	assert.Equal(t, 2, pub.published, "relay never publishes")
}

func TestRedisRelayStopsOnCancel(t *testing.T) {
	relay := &RedisRelay{Local: newFakeNotifier(), Prefix: "n:"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx, make(chan *redis.Message))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestWSRegistryDelivers(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve("w1", conn)
	}))
	defer srv.Close()

	assert.ErrorIs(t, reg.Send(context.Background(), "w1", offer("w1")), ErrNoSession)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return reg.Connected("w1") }, time.Second, 10*time.Millisecond)
	require.NoError(t, reg.Send(context.Background(), "w1", offer("w1")))

	var msg models.Message
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, models.MessageJobOffer, msg.Type)
	assert.Equal(t, "job-1", msg.JobID)

	client.Close()
	assert.Eventually(t, func() bool { return !reg.Connected("w1") }, time.Second, 10*time.Millisecond)
}

package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic   string
	payload []byte
}

// fakeClient records publishes and subscriptions without a broker.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	publishes  []published
	subscribed []string
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, published{topic, payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return doneToken{}
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	return doneToken{}
}

func (f *fakeClient) lastPublish() (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.publishes) == 0 {
		return published{}, false
	}
	return f.publishes[len(f.publishes)-1], true
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic    string
		category Category
		sn       string
		wantErr  bool
	}{
		{"sys/product/dock-1/status", CategoryStatus, "dock-1", false},
		{"thing/product/dock-1/osd", CategoryOSD, "dock-1", false},
		{"thing/product/ac-9/state", CategoryState, "ac-9", false},
		{"thing/product/dock-1/services_reply", CategoryServicesReply, "dock-1", false},
		{"thing/product/dock-1/events", CategoryEvents, "dock-1", false},
		{"thing/product/dock-1/requests", CategoryRequests, "dock-1", false},
		{"thing/product/dock-1/services", "", "", true},
		{"garbage", "", "", true},
		{"sys/other/dock-1/status", "", "", true},
	}
	for _, tc := range tests {
		category, sn, err := ParseTopic(tc.topic)
		if tc.wantErr {
			assert.Error(t, err, tc.topic)
			continue
		}
		require.NoError(t, err, tc.topic)
		assert.Equal(t, tc.category, category)
		assert.Equal(t, tc.sn, sn)
	}
}

type routedCall struct {
	sn     string
	method string
}

func TestDispatchRouting(t *testing.T) {
	d := New(&fakeClient{})
	defer d.Close()

	got := make(chan routedCall, 1)
	d.Register(CategoryEvents, "task_progress", func(sn string, env *Envelope) {
		got <- routedCall{sn, env.Method}
	})

	env, err := NewEnvelope("task_progress", map[string]string{"status": "ok"})
	require.NoError(t, err)
	b, _ := json.Marshal(env)
	d.Dispatch("thing/product/dock-1/events", b)

	select {
	case r := <-got:
		assert.Equal(t, "dock-1", r.sn)
		assert.Equal(t, "task_progress", r.method)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestDispatchCategoryDefault(t *testing.T) {
	d := New(&fakeClient{})

	got := make(chan string, 1)
	d.Register(CategoryOSD, "", func(sn string, env *Envelope) { got <- sn })

	env, _ := NewEnvelope("", map[string]int{"battery": 88})
	b, _ := json.Marshal(env)
	d.Dispatch("thing/product/ac-9/osd", b)
	d.Close()

	select {
	case sn := <-got:
		assert.Equal(t, "ac-9", sn)
	default:
		t.Fatal("handler not invoked")
	}
}

func TestDispatchPreservesDeviceOrder(t *testing.T) {
	d := New(&fakeClient{})

	got := make(chan string, 3)
	d.Register(CategoryEvents, "task_progress", func(sn string, env *Envelope) {
		var body map[string]string
		_ = json.Unmarshal(env.Data, &body)
		got <- body["seq"]
	})

	for _, seq := range []string{"1", "2", "3"} {
		env, _ := NewEnvelope("task_progress", map[string]string{"seq": seq})
		b, _ := json.Marshal(env)
		d.Dispatch("thing/product/dock-1/events", b)
	}
	d.Close()

	for _, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, <-got)
	}
}

func TestDispatchUnknownMethodDropped(t *testing.T) {
	d := New(&fakeClient{})
	env, _ := NewEnvelope("no_such_method", nil)
	b, _ := json.Marshal(env)
	// Must not panic, just drop.
	d.Dispatch("thing/product/dock-1/events", b)
	d.Dispatch("thing/product/dock-1/events", []byte("not json"))
	d.Close()
}

// A handler that issues a services call must still see its reply: the reply
// travels the same subscription callback that fed the handler, so handler
// execution cannot hold that goroutine.
func TestCallInsideHandlerReceivesReply(t *testing.T) {
	client := &fakeClient{}
	d := New(client)
	defer d.Close()

	results := make(chan int, 1)
	callErrs := make(chan error, 1)
	d.Register(CategoryEvents, "task_ready", func(sn string, env *Envelope) {
		reply, err := d.Call(context.Background(), sn, "task_execute", map[string]string{"flight_id": "j1"})
		if err != nil {
			callErrs <- err
			return
		}
		results <- reply.Result
	})

	ready, _ := NewEnvelope("task_ready", nil)
	b, _ := json.Marshal(ready)
	d.Dispatch("thing/product/dock-1/events", b)

	// The handler is now blocked on its call; answer it through the same
	// inbound path the broker would use.
	var req Envelope
	require.Eventually(t, func() bool {
		pub, ok := client.lastPublish()
		if !ok {
			return false
		}
		return json.Unmarshal(pub.payload, &req) == nil && req.Method == "task_execute"
	}, time.Second, time.Millisecond)

	reply, err := req.Ack(ReplyOK, nil)
	require.NoError(t, err)
	rb, _ := json.Marshal(reply)
	d.Dispatch("thing/product/dock-1/services_reply", rb)

	select {
	case err := <-callErrs:
		t.Fatalf("call failed: %v", err)
	case result := <-results:
		assert.Equal(t, ReplyOK, result)
	case <-time.After(2 * time.Second):
		t.Fatal("reply never correlated")
	}
}

func TestCallCorrelatesReply(t *testing.T) {
	client := &fakeClient{}
	d := New(client)

	go func() {
		// Wait for the request, then answer it on the reply topic.
		var req published
		for {
			var ok bool
			req, ok = client.lastPublish()
			if ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		var env Envelope
		if err := json.Unmarshal(req.payload, &env); err != nil {
			return
		}
		reply, _ := env.Ack(ReplyOK, map[string]string{"status": "ok"})
		b, _ := json.Marshal(reply)
		d.Dispatch("thing/product/dock-1/services_reply", b)
	}()

	reply, err := d.Call(context.Background(), "dock-1", "task_prepare", map[string]string{"flight_id": "j1"})
	require.NoError(t, err)
	assert.Equal(t, ReplyOK, reply.Result)

	req, ok := client.lastPublish()
	require.True(t, ok)
	assert.Equal(t, "thing/product/dock-1/services", req.topic)
}

func TestCallTimesOut(t *testing.T) {
	d := New(&fakeClient{})
	d.SetCallTimeout(20 * time.Millisecond)

	_, err := d.Call(context.Background(), "dock-1", "task_execute", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallTimeout)
}

func TestCallContextCancel(t *testing.T) {
	d := New(&fakeClient{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Call(ctx, "dock-1", "task_execute", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeDeviceCoversCategories(t *testing.T) {
	client := &fakeClient{}
	d := New(client)
	require.NoError(t, d.SubscribeDevice("dock-1"))

	assert.Contains(t, client.subscribed, "sys/product/dock-1/status")
	assert.Contains(t, client.subscribed, "thing/product/dock-1/osd")
	assert.Contains(t, client.subscribed, "thing/product/dock-1/state")
	assert.Contains(t, client.subscribed, "thing/product/dock-1/services_reply")
	assert.Contains(t, client.subscribed, "thing/product/dock-1/events")
	assert.Contains(t, client.subscribed, "thing/product/dock-1/requests")
}

func TestSubscribeAnnouncementsWildcard(t *testing.T) {
	client := &fakeClient{}
	d := New(client)
	require.NoError(t, d.SubscribeAnnouncements())

	assert.Equal(t, []string{"sys/product/+/status"}, client.subscribed)
}

func TestAckEchoesCorrelation(t *testing.T) {
	client := &fakeClient{}
	d := New(client)

	req, _ := NewEnvelope("update_topo", nil)
	require.NoError(t, d.Ack(CategoryStatus, "dock-1", req, ReplyOK, nil))

	pub, ok := client.lastPublish()
	require.True(t, ok)
	assert.Equal(t, "sys/product/dock-1/status_reply", pub.topic)

	var reply Envelope
	require.NoError(t, json.Unmarshal(pub.payload, &reply))
	assert.Equal(t, req.Bid, reply.Bid)
	assert.Equal(t, req.Tid, reply.Tid)
}

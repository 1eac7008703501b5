package monitor

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/spinlidar/internal/publish"
	"github.com/banshee-data/spinlidar/internal/rotation"
	"github.com/banshee-data/spinlidar/internal/serialport"
)

// newIdleBuffer returns a Buffer over a port that never delivers data.
func newIdleBuffer(t *testing.T) *rotation.Buffer {
	t.Helper()
	tr := serialport.NewTransport(serialport.NewTestablePort(), time.Millisecond)
	t.Cleanup(func() { tr.Close() })
	buf, err := rotation.NewBuffer(tr, rotation.Options{RPM: 100})
	require.NoError(t, err)
	return buf
}

// queuedPipeline reports a fixed number of queued samples until Reset.
type queuedPipeline struct {
	*rotation.Buffer
	queued int
	resets int
}

func (p *queuedPipeline) Len() int { return p.queued }

func (p *queuedPipeline) Reset() {
	p.queued = 0
	p.resets++
	p.Buffer.Reset()
}

type fakeFeed struct {
	mu         sync.Mutex
	latest     *publish.Rotation
	subs       map[int]chan publish.Rotation
	nextID     int
	subscribed chan int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs:       make(map[int]chan publish.Rotation),
		subscribed: make(chan int, 4),
	}
}

func (f *fakeFeed) Latest() (publish.Rotation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return publish.Rotation{}, false
	}
	return *f.latest, true
}

func (f *fakeFeed) Subscribe() (int, <-chan publish.Rotation) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	ch := make(chan publish.Rotation, 4)
	f.subs[id] = ch
	f.mu.Unlock()
	f.subscribed <- id
	return id, ch
}

func (f *fakeFeed) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *fakeFeed) Stats() publish.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return publish.Stats{Subscribers: len(f.subs)}
}

func (f *fakeFeed) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// push records rot as the latest rotation and hands it to every subscriber.
func (f *fakeFeed) push(rot publish.Rotation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = &rot
	for _, ch := range f.subs {
		ch <- rot
	}
}

type fakeTuner struct {
	mu      sync.Mutex
	running bool
	err     error
	starts  int
}

func (f *fakeTuner) StartTune() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeTuner) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// squareRotation is four samples at the cardinal angles.
func squareRotation() publish.Rotation {
	return publish.Rotation{
		Seq:        7,
		RPM:        100,
		CapturedAt: time.Unix(1700000000, 0).UTC(),
		Samples: []rotation.Sample{
			{Distance: 100, Angle: 0},
			{Distance: 200, Angle: 90},
			{Distance: 100, Angle: 180},
			{Distance: 200, Angle: 270},
		},
	}
}

func newTestServer(t *testing.T, config WebServerConfig) *WebServer {
	t.Helper()
	if config.Pipeline == nil {
		config.Pipeline = newIdleBuffer(t)
	}
	ws, err := NewWebServer(config)
	require.NoError(t, err)
	return ws
}

func serve(ws *WebServer, method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)
	return rec
}

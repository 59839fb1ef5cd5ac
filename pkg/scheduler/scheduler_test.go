package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tp2diag/gateway/pkg/kwp"
	"github.com/tp2diag/gateway/pkg/session"
	"github.com/tp2diag/gateway/pkg/tp2"
)

type fakeChannel struct {
	mu    sync.Mutex
	state tp2.State
}

func (f *fakeChannel) Setup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = tp2.Connected
	return nil
}
func (f *fakeChannel) State() tp2.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakeChannel) KeepAlive(ctx context.Context) error { return nil }
func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = tp2.Closed
}

type fakeClient struct{}

func (f *fakeClient) StartSession(ctx context.Context, sessionType byte) ([]byte, error) {
	return []byte{0x50, sessionType}, nil
}
func (f *fakeClient) ReadMeasuringBlock(ctx context.Context, group byte) ([]byte, error) {
	return []byte{0x61, group, 0x05, 0x64, 0xB4}, nil
}

func (f *fakeClient) ReadDTCs(ctx context.Context, group, statusHi, statusLo byte) ([]kwp.DTC, error) {
	return nil, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	records []SampleRecord
}

func (p *fakePublisher) Publish(topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := payload.(SampleRecord); ok {
		p.records = append(p.records, rec)
	}
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func newTestScheduler() (*Scheduler, map[uint8]*fakeChannel, *fakePublisher) {
	channels := map[uint8]*fakeChannel{}
	var mu sync.Mutex
	factory := func(module uint8) (session.Channel, session.Client) {
		mu.Lock()
		defer mu.Unlock()
		ch := &fakeChannel{}
		channels[module] = ch
		return ch, &fakeClient{}
	}
	pub := &fakePublisher{}
	sch := New(factory, pub, nil, 0)
	return sch, channels, pub
}

func TestAddCreatesSessionListedInStatus(t *testing.T) {
	sch, _, _ := newTestScheduler()
	count := sch.Add(0x17, 1)
	assert.Equal(t, 1, count)

	status := sch.Status()
	require.Len(t, status.Sessions, 1)
	assert.EqualValues(t, 0x17, status.Sessions[0].Module)
	assert.Equal(t, []uint8{1}, status.Sessions[0].Groups)
}

func TestRemoveWithoutSessionIsNoop(t *testing.T) {
	sch, _, _ := newTestScheduler()
	assert.Equal(t, 0, sch.Remove(0x99, 1))
}

func TestToggleDisconnectsAll(t *testing.T) {
	sch, channels, _ := newTestScheduler()
	sch.Add(0x17, 1)

	ctx := context.Background()
	sch.enabled = true
	sch.tick(ctx)
	require.Equal(t, tp2.Connected, channels[0x17].State())

	enabled := sch.Toggle()
	assert.False(t, enabled)
	assert.Equal(t, tp2.Closed, channels[0x17].State())
}

func TestIgnitionOffDisconnectsAllPreservingSubscriptions(t *testing.T) {
	sch, channels, _ := newTestScheduler()
	sch.Add(0x17, 1)
	sch.Add(0x18, 1)

	sch.SetIgnition(true)
	sch.tick(context.Background())
	assert.Equal(t, tp2.Connected, channels[0x17].State())
	assert.Equal(t, tp2.Connected, channels[0x18].State())

	sch.SetIgnition(false)
	sch.tick(context.Background())

	assert.Equal(t, tp2.Closed, channels[0x17].State())
	assert.Equal(t, tp2.Closed, channels[0x18].State())

	status := sch.Status()
	for _, s := range status.Sessions {
		assert.Len(t, s.Groups, 1, "subscriptions survive ignition off")
	}
}

func TestIgnitionOnReenablesWithoutResubscribe(t *testing.T) {
	sch, channels, _ := newTestScheduler()
	sch.Add(0x17, 1)

	sch.SetIgnition(false)
	sch.tick(context.Background())
	assert.False(t, sch.enabled)

	sch.SetIgnition(true)
	sch.tick(context.Background())
	assert.True(t, sch.enabled)

	sch.tick(context.Background())
	assert.Equal(t, tp2.Connected, channels[0x17].State())
}

func TestPublishOnSuccessfulPoll(t *testing.T) {
	sch, _, pub := newTestScheduler()
	sch.Add(0x17, 1)
	sch.SetIgnition(true)

	sch.tick(context.Background())
	sch.tick(context.Background())
	assert.GreaterOrEqual(t, pub.count(), 1)
}

func TestClearMarksSessionsInactiveAndCleansUp(t *testing.T) {
	sch, _, _ := newTestScheduler()
	sch.Add(0x17, 1)
	sch.SetIgnition(true)
	sch.tick(context.Background())

	sch.Clear()
	sch.tick(context.Background())

	status := sch.Status()
	assert.Equal(t, 0, status.SessionCount)
}

func TestRequestDTCReadServicedByNextTick(t *testing.T) {
	sch, _, _ := newTestScheduler()
	sch.Add(0x17, 1)
	sch.SetIgnition(true)
	sch.tick(context.Background()) // connects the session

	resultCh := sch.RequestDTCRead(0x17, 0, 0xFF, 0x00)
	sch.tick(context.Background())

	select {
	case reply := <-resultCh:
		require.NoError(t, reply.Err)
	case <-time.After(time.Second):
		t.Fatal("dtc request was never serviced")
	}
}

func TestRunStopsCleanly(t *testing.T) {
	sch, _, _ := newTestScheduler()
	sch.Add(0x17, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go sch.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-sch.done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop in time")
	}
}

package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safar/pos-core/internal/events"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err   atomic.Pointer[error]
	calls atomic.Int32
	block bool
}

func (f *fakePinger) fail(err error) {
	f.err.Store(&err)
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if p := f.err.Load(); p != nil {
		return *p
	}
	return nil
}

func TestCheckFlipsFlagAndEmits(t *testing.T) {
	bus := events.NewBus()
	pinger := &fakePinger{}
	probe := NewProbe(pinger, bus, nil, Config{Timeout: time.Second})

	var changes []bool
	events.On(bus, events.ConnectivityChanged, func(c events.ConnectivityChange) {
		changes = append(changes, c.Online)
	})

	require.False(t, probe.Online())
	require.True(t, probe.Check(context.Background()))
	require.True(t, probe.Check(context.Background()))

	pinger.fail(errors.New("connection refused"))
	require.False(t, probe.Check(context.Background()))

	pinger.fail(nil)
	probe.SetOffline(errors.New("submit failed"))
	require.Equal(t, []bool{true, false}, changes)
}

func TestCheckTimesOut(t *testing.T) {
	probe := NewProbe(&fakePinger{block: true}, nil, nil, Config{Timeout: 20 * time.Millisecond})
	probe.SetOnline()

	start := time.Now()
	require.False(t, probe.Check(context.Background()))
	require.Less(t, time.Since(start), time.Second)
	require.False(t, probe.Online())
}

func TestCheckIsThrottled(t *testing.T) {
	pinger := &fakePinger{}
	probe := NewProbe(pinger, nil, nil, Config{Timeout: time.Second, MinInterval: time.Hour})

	require.True(t, probe.Check(context.Background()))
	pinger.fail(errors.New("down"))
	require.True(t, probe.Check(context.Background()))
	require.EqualValues(t, 1, pinger.calls.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	pinger := &fakePinger{}
	probe := NewProbe(pinger, nil, nil, Config{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		probe.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return pinger.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.True(t, probe.Online())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("probe did not stop")
	}
}

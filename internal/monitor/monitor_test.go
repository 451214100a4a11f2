package monitor

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/gochnlzr/internal/logging"
	"github.com/rjboer/gochnlzr/internal/proto"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(clock *fakeClock) *Monitor {
	return New(5, Options{
		Logger:       logging.New(logging.Debug, logging.Text, io.Discard),
		Interval:     time.Second,
		HistoryLimit: 2,
		Now:          clock.now,
	})
}

func TestReportAfterInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestMonitor(clock)
	reports, cancel := m.Subscribe()
	defer cancel()

	m.OnSourceStateChange(48_000, 101e6)
	m.Consume(proto.SampleFrame{ChannelID: 5, Samples: []complex64{complex(1, 0), complex(0, 1)}})
	assert.Empty(t, m.History())

	clock.advance(time.Second)
	m.Consume(proto.SampleFrame{ChannelID: 5, Samples: []complex64{complex(0.1, 0)}})

	h := m.History()
	require.Len(t, h, 1)
	r := h[0]
	assert.Equal(t, uint64(5), r.ChannelID)
	assert.Equal(t, int64(48_000), r.SampleRate)
	assert.Equal(t, 2, r.Frames)
	assert.Equal(t, 3, r.Samples)
	assert.InDelta(t, 10*math.Log10(2.01/3), r.MeanPowerDBFS, 1e-6)

	select {
	case got := <-reports:
		assert.Equal(t, r, got)
	default:
		t.Fatal("subscriber missed report")
	}
}

func TestSilentWindowUsesFloor(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := newTestMonitor(clock)

	clock.advance(2 * time.Second)
	m.Consume(proto.SampleFrame{ChannelID: 5, Samples: []complex64{0, 0}})
	m.Consume(proto.SampleFrame{ChannelID: 5})

	h := m.History()
	require.Len(t, h, 1)
	assert.Equal(t, powerFloorDBFS, h[0].MeanPowerDBFS)
}

func TestReportCarriesPeakOffset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := New(5, Options{
		Logger:   logging.New(logging.Debug, logging.Text, io.Discard),
		Interval: time.Second,
		FFTSize:  64,
		Now:      clock.now,
	})
	m.OnSourceStateChange(64_000, 101e6)

	frame := make([]complex64, 64)
	for i := range frame {
		phase := 2 * math.Pi * float64(-6*i) / 64
		frame[i] = complex(float32(math.Cos(phase)), float32(math.Sin(phase)))
	}
	clock.advance(time.Second)
	m.Consume(proto.SampleFrame{ChannelID: 5, Samples: frame})

	h := m.History()
	require.Len(t, h, 1)
	assert.InDelta(t, -6_000, h[0].PeakOffsetHz, 1e-9)
	assert.InDelta(t, 0, h[0].PeakPowerDBFS, 1e-3)
}

func TestHistoryIsBounded(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := newTestMonitor(clock)

	for i := 0; i < 4; i++ {
		clock.advance(time.Second)
		m.Consume(proto.SampleFrame{ChannelID: 5, Samples: []complex64{1}})
	}
	assert.Len(t, m.History(), 2)
}

func TestServeHTTP(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := newTestMonitor(clock)
	clock.advance(time.Second)
	m.Consume(proto.SampleFrame{ChannelID: 5, Samples: []complex64{1}})

	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/channel", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got []Report
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].MeanPowerDBFS)

	rr = httptest.NewRecorder()
	m.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/channel", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestFactoryReportsNewMonitors(t *testing.T) {
	var built []*Monitor
	f := Factory(Options{}, func(m *Monitor) { built = append(built, m) })

	c := f(9)
	require.Len(t, built, 1)
	assert.Same(t, built[0], c)
	assert.Equal(t, uint64(9), built[0].channelID)
}

func TestSubscribeCancelTwice(t *testing.T) {
	m := New(1, Options{})
	_, cancel := m.Subscribe()
	cancel()
	cancel()
}

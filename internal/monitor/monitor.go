// Package monitor is a reporting consumer for a live channel. It logs stream
// state changes and periodic power summaries, keeps a short history, and fans
// reports out to subscribers.
package monitor

import (
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/rjboer/gochnlzr/internal/dsp"
	"github.com/rjboer/gochnlzr/internal/logging"
	"github.com/rjboer/gochnlzr/internal/proto"
	"github.com/rjboer/gochnlzr/internal/session"
)

const (
	defaultInterval     = time.Second
	defaultHistoryLimit = 120
	// Reported instead of -Inf for an all-zero window.
	powerFloorDBFS = dsp.FloorDBFS
)

// Report summarizes one reporting window.
type Report struct {
	Timestamp       time.Time `json:"timestamp"`
	ChannelID       uint64    `json:"channelId"`
	SampleRate      int64     `json:"sampleRate"`
	CenterFrequency float64   `json:"centerFrequency"`
	Frames          int       `json:"frames"`
	Samples         int       `json:"samples"`
	MeanPowerDBFS   float64   `json:"meanPowerDbfs"`
	// Strongest component of the window's last frame. Zero when silent.
	PeakOffsetHz  float64 `json:"peakOffsetHz"`
	PeakPowerDBFS float64 `json:"peakPowerDbfs"`
}

type Options struct {
	Logger       logging.Logger
	Interval     time.Duration
	HistoryLimit int
	// FFTSize is the peak estimator length; dsp.DefaultSize when zero.
	FFTSize int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Monitor implements session.Consumer.
type Monitor struct {
	mu           sync.RWMutex
	log          logging.Logger
	channelID    uint64
	interval     time.Duration
	historyLimit int
	now          func() time.Time
	analyzer     *dsp.Analyzer

	sampleRate      int64
	centerFrequency float64

	windowStart time.Time
	frames      int
	powers      []float64 // mean |s|^2 per frame
	weights     []float64 // samples per frame
	last        []complex64

	history     []Report
	subscribers map[chan Report]struct{}
}

func New(channelID uint64, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		log:          logging.OrDefault(opts.Logger).With(logging.F("subsystem", "monitor"), logging.F("channel_id", channelID)),
		channelID:    channelID,
		interval:     opts.Interval,
		historyLimit: opts.HistoryLimit,
		now:          opts.Now,
		analyzer:     dsp.NewAnalyzer(opts.FFTSize),
		windowStart:  opts.Now(),
		subscribers:  make(map[chan Report]struct{}),
	}
}

// Factory builds a monitor per channel, and calls onNew (if set) with each one.
func Factory(opts Options, onNew func(*Monitor)) session.ConsumerFactory {
	return func(channelID uint64) session.Consumer {
		m := New(channelID, opts)
		if onNew != nil {
			onNew(m)
		}
		return m
	}
}

func (m *Monitor) OnSourceStateChange(sampleRate int64, centerFrequency float64) {
	m.mu.Lock()
	m.sampleRate = sampleRate
	m.centerFrequency = centerFrequency
	m.mu.Unlock()

	m.log.Info("channel state",
		logging.F("sample_rate", sampleRate),
		logging.F("center_frequency_hz", centerFrequency))
}

func (m *Monitor) Consume(f proto.SampleFrame) {
	m.mu.Lock()
	m.frames++
	if len(f.Samples) > 0 {
		m.powers = append(m.powers, meanPower(f.Samples))
		m.weights = append(m.weights, float64(len(f.Samples)))
		tail := f.Samples
		if n := m.analyzer.Size(); len(tail) > n {
			tail = tail[len(tail)-n:]
		}
		m.last = append(m.last[:0], tail...)
	}
	now := m.now()
	if now.Sub(m.windowStart) < m.interval {
		m.mu.Unlock()
		return
	}
	r := m.closeWindowLocked(now)
	m.mu.Unlock()

	m.log.Info("channel report",
		logging.F("frames", r.Frames),
		logging.F("samples", r.Samples),
		logging.F("mean_power_dbfs", r.MeanPowerDBFS),
		logging.F("peak_offset_hz", r.PeakOffsetHz),
		logging.F("sample_rate", r.SampleRate))
}

func (m *Monitor) closeWindowLocked(now time.Time) Report {
	samples := 0.0
	for _, w := range m.weights {
		samples += w
	}
	power := powerFloorDBFS
	if len(m.powers) > 0 {
		if mean := stat.Mean(m.powers, m.weights); mean > 0 {
			power = math.Max(10*math.Log10(mean), powerFloorDBFS)
		}
	}
	r := Report{
		Timestamp:       now,
		ChannelID:       m.channelID,
		SampleRate:      m.sampleRate,
		CenterFrequency: m.centerFrequency,
		Frames:          m.frames,
		Samples:         int(samples),
		MeanPowerDBFS:   power,
	}
	if peak, ok := m.analyzer.Peak(m.last, float64(m.sampleRate)); ok {
		r.PeakOffsetHz = peak.OffsetHz
		r.PeakPowerDBFS = peak.PowerDBFS
	}

	m.history = append(m.history, r)
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
	for ch := range m.subscribers {
		select {
		case ch <- r:
		default:
		}
	}

	m.windowStart = now
	m.frames = 0
	m.powers = m.powers[:0]
	m.weights = m.weights[:0]
	m.last = m.last[:0]
	return r
}

// History returns a copy of stored reports.
func (m *Monitor) History() []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Report, len(m.history))
	copy(out, m.history)
	return out
}

// Subscribe registers a listener for new reports. Slow listeners miss reports.
func (m *Monitor) Subscribe() (<-chan Report, func()) {
	ch := make(chan Report, 16)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, ch)
			close(ch)
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

// ServeHTTP returns the report history as JSON.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.History())
}

func meanPower(samples []complex64) float64 {
	var sum float64
	for _, s := range samples {
		re, im := float64(real(s)), float64(imag(s))
		sum += re*re + im*im
	}
	return sum / float64(len(samples))
}

package healthz

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/jdiitm/delayq/internal/consumer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type ActivityReporter interface {
	LastBatchTime() time.Time
}

// StateReporter lists registered containers by name, and those that
// stopped because of an error.
type StateReporter interface {
	States() map[string]consumer.State
	Failures() map[string]error
}

type Checker struct {
	reporter   ActivityReporter
	containers StateReporter
	threshold  time.Duration
	now        func() time.Time
}

type Option func(*Checker)

func WithThreshold(d time.Duration) Option {
	return func(c *Checker) {
		c.threshold = d
	}
}

func WithContainers(s StateReporter) Option {
	return func(c *Checker) {
		c.containers = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

func NewChecker(reporter ActivityReporter, opts ...Option) *Checker {
	c := &Checker{
		reporter:  reporter,
		threshold: 45 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type response struct {
	Status        string            `json:"status"`
	Message       string            `json:"message,omitempty"`
	SinceLastPoll string            `json:"since_last_poll,omitempty"`
	Containers    map[string]string `json:"containers,omitempty"`
}

// ServeHTTP reports unhealthy when a registered container has failed or
// when no lane has completed a poll cycle within the threshold. Containers
// stopped on request are reported but do not fail the check.
func (c *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := response{Status: "ok"}
	if c.containers != nil {
		states := c.containers.States()
		resp.Containers = make(map[string]string, len(states))
		for name, st := range states {
			resp.Containers[name] = st.String()
		}
		for name, err := range c.containers.Failures() {
			resp.Status = "unhealthy"
			resp.Message = "container " + name + " failed: " + err.Error()
		}
	}
	if resp.Status != "ok" {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	last := c.reporter.LastBatchTime()
	if last.IsZero() {
		resp.Status = "unhealthy"
		resp.Message = "no activity recorded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	elapsed := c.now().Sub(last)
	resp.SinceLastPoll = elapsed.Round(time.Millisecond).String()
	if elapsed > c.threshold {
		resp.Status = "unhealthy"
		resp.Message = "stale: last poll exceeded threshold"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v response) {
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

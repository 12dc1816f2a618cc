package delay

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jdiitm/delayq/internal/domain"
)

var ErrUndefinedTopicDelay = errors.New("undefined topic delay")

// Delays maps a topic name to its configured dispatch delay.
type Delays map[string]time.Duration

// Resolve returns the configured delay for topic.
func (d Delays) Resolve(topic string) (time.Duration, error) {
	v, ok := d[topic]
	if !ok {
		return 0, fmt.Errorf("%w: topic %q", ErrUndefinedTopicDelay, topic)
	}
	return v, nil
}

// Validate rejects negative delays and empty topic names.
func (d Delays) Validate() error {
	for topic, v := range d {
		if topic == "" {
			return errors.New("delay configured for empty topic name")
		}
		if v < 0 {
			return fmt.Errorf("topic %q: negative delay %v", topic, v)
		}
	}
	return nil
}

// maxOverrideMillis is the largest millisecond count a time.Duration holds.
const maxOverrideMillis = math.MaxInt64 / int64(time.Millisecond)

// ForRecord resolves the delay for a fetched record. A valid explicit
// override header takes precedence over the topic delay; malformed or
// out-of-range overrides are ignored.
func (d Delays) ForRecord(rec domain.Record) (time.Duration, error) {
	if raw := rec.Header(domain.HeaderDelayOverride); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms >= 0 && ms <= maxOverrideMillis {
			return time.Duration(ms) * time.Millisecond, nil
		}
	}
	return d.Resolve(rec.Topic)
}

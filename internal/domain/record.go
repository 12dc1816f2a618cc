package domain

import "time"

// Record is one broker record as fetched from, or published to, a
// partitioned log.
type Record struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
	Headers   map[string]string
	Timestamp time.Time
}

// Header returns the named header value, or "" when absent.
func (r Record) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// Ack is the broker's acknowledgment of a durably stored publish.
type Ack struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Well-known headers stamped by the scheduling producer. HeaderDelay and
// HeaderDueAt are informational; only HeaderDelayOverride changes when a
// consumer dispatches the record.
const (
	HeaderDelay         = "delay-ms"
	HeaderDelayOverride = "delay-override-ms"
	HeaderDueAt         = "due-at"
	HeaderMessageID     = "message-id"
	HeaderContentType   = "content-type"
)

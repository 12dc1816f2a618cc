package metrics

type PipelineObserver interface {
	RecordFetched(topic string, count int)
	RecordWaiting(lane string, count int)
	RecordDispatch(topic, outcome string, seconds float64)
	RecordLateness(topic string, seconds float64)
	RecordRejected(policy string)
	RecordCommit(topic string, partition int32, offset int64)
	RecordCommitError()
	RecordPublish(topic, outcome string)
	RecordBatchDuration(seconds float64)
}

type NoopObserver struct{}

func (NoopObserver) RecordFetched(_ string, _ int)           {}
func (NoopObserver) RecordWaiting(_ string, _ int)           {}
func (NoopObserver) RecordDispatch(_, _ string, _ float64)   {}
func (NoopObserver) RecordLateness(_ string, _ float64)      {}
func (NoopObserver) RecordRejected(_ string)                 {}
func (NoopObserver) RecordCommit(_ string, _ int32, _ int64) {}
func (NoopObserver) RecordCommitError()                      {}
func (NoopObserver) RecordPublish(_, _ string)               {}
func (NoopObserver) RecordBatchDuration(_ float64)           {}

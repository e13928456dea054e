package relay

import "time"

// Observer receives one call per finished relay operation. Implementations
// must be safe for concurrent use.
type Observer interface {
	RecordStore(duration time.Duration, sizeBytes int64, err error)
	RecordResolve(duration time.Duration, err error)
	RecordStream(duration time.Duration, sizeBytes int64, err error)
	RecordPurge(duration time.Duration, err error)
	// RecordOrphan counts objects left behind by a failed Store step.
	RecordOrphan(step string)
}

type nopObserver struct{}

func (nopObserver) RecordStore(time.Duration, int64, error) {}

func (nopObserver) RecordResolve(time.Duration, error) {}

func (nopObserver) RecordStream(time.Duration, int64, error) {}

func (nopObserver) RecordPurge(time.Duration, error) {}

func (nopObserver) RecordOrphan(string) {}

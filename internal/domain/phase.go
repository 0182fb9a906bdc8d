package domain

// PhaseBucket is the internal classification of a worker's free-form
// session phase vocabulary. External workers report many phase strings;
// the engine only ever branches on these three buckets. The raw string is
// kept for logging only.
type PhaseBucket int

const (
	// PhaseInProgress covers every phase that is neither ready nor an
	// error, e.g. initializing, connecting, authenticating, warming_up.
	PhaseInProgress PhaseBucket = iota
	// PhaseReadyBucket means the session can accept work.
	PhaseReadyBucket
	// PhaseErrorBucket means the session is unrecoverable.
	PhaseErrorBucket
)

func (b PhaseBucket) String() string {
	switch b {
	case PhaseReadyBucket:
		return "ready"
	case PhaseErrorBucket:
		return "error"
	default:
		return "in-progress"
	}
}

var phaseBuckets = map[string]PhaseBucket{
	"ready":        PhaseReadyBucket,
	"active":       PhaseReadyBucket,
	"idle":         PhaseReadyBucket,
	"failed":       PhaseErrorBucket,
	"error":        PhaseErrorBucket,
	"stuck":        PhaseErrorBucket,
	"disconnected": PhaseErrorBucket,
	"terminated":   PhaseErrorBucket,
}

// BucketForPhase maps a raw worker phase string into its internal bucket.
// Unknown phases are treated as in-progress.
func BucketForPhase(raw string) PhaseBucket {
	if b, ok := phaseBuckets[raw]; ok {
		return b
	}
	return PhaseInProgress
}

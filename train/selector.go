package train

// CheckpointSelector tracks the best validation accuracy seen across a
// run and decides whether a new result supersedes it. It performs no I/O;
// persistence is the caller's job when Consider reports an improvement.
type CheckpointSelector struct {
	best         float64
	improvements int
}

// NewCheckpointSelector starts with a best accuracy of 0, so the first
// strictly positive result is always an improvement.
func NewCheckpointSelector() *CheckpointSelector {
	return &CheckpointSelector{}
}

// Consider reports whether accuracy strictly exceeds the best seen so
// far, updating the stored best when it does. Ties keep the earlier best.
func (cs *CheckpointSelector) Consider(accuracy float64) bool {
	if accuracy <= cs.best {
		return false
	}
	cs.best = accuracy
	cs.improvements++
	return true
}

// Best returns the highest accuracy accepted so far.
func (cs *CheckpointSelector) Best() float64 {
	return cs.best
}

// Improvements returns how many Consider calls reported an improvement.
func (cs *CheckpointSelector) Improvements() int {
	return cs.improvements
}

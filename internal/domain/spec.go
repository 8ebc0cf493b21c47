package domain

import "fmt"

// AllowedDurations is the closed set of valid video durations in seconds.
var AllowedDurations = map[int]bool{5: true, 10: true, 15: true}

// Spec is the phase-1 planner output: the creative brief distilled into a
// duration and an ordered, contiguous sequence of beats.
type Spec struct {
	DurationSeconds int    `json:"duration_seconds"`
	Beats           []Beat `json:"beats"`
}

// Beat is one narrative unit of the ad, spanning a contiguous sub-range of
// the overall duration.
type Beat struct {
	Index       int    `json:"index"`
	StartSecond int    `json:"start_second"`
	EndSecond   int    `json:"end_second"`
	Description string `json:"description"`
	VisualCue   string `json:"visual_cue"`
}

// Validate enforces spec.md's invariants: every beat's own duration is one
// of the allowed values, beats are ordered and contiguous, and they span
// the spec's total duration exactly — the total itself is unconstrained
// (a 30-second ad is just beats summing to 30, e.g. 15+10+5).
func (s Spec) Validate() error {
	if s.DurationSeconds <= 0 {
		return fmt.Errorf("spec: duration_seconds must be positive")
	}
	if len(s.Beats) == 0 {
		return fmt.Errorf("spec: at least one beat required")
	}
	prevEnd := 0
	for i, b := range s.Beats {
		if b.Index != i {
			return fmt.Errorf("spec: beat %d has out-of-order index %d", i, b.Index)
		}
		if b.StartSecond != prevEnd {
			return fmt.Errorf("spec: beat %d is not contiguous (start=%d, expected=%d)", i, b.StartSecond, prevEnd)
		}
		if !AllowedDurations[b.EndSecond-b.StartSecond] {
			return fmt.Errorf("spec: beat %d has duration %ds, not in allowed set {5,10,15}", i, b.EndSecond-b.StartSecond)
		}
		prevEnd = b.EndSecond
	}
	if prevEnd != s.DurationSeconds {
		return fmt.Errorf("spec: beats span %ds but duration is %ds", prevEnd, s.DurationSeconds)
	}
	return nil
}

// ChunkKind distinguishes a chunk that stands alone (reference) from one
// that continues visually from the previous chunk's last frame.
type ChunkKind string

const (
	ChunkKindReference   ChunkKind = "reference"
	ChunkKindContinuation ChunkKind = "continuation"
)

// Chunk is one video-generation unit derived from a beat.
type Chunk struct {
	Index     int       `json:"index"`
	BeatIndex int       `json:"beat_index"`
	Kind      ChunkKind `json:"kind"`
	Prompt    string    `json:"prompt"`
	// ReferenceImageKey is the storyboard image this chunk is generated
	// from when Kind == reference.
	ReferenceImageKey string `json:"reference_image_key,omitempty"`
}

// ChunkPlan partitions a job's beats into reference chunks (which can run
// in parallel) and continuation chunks (which must run after the chunk
// they extend, consuming its last frame).
type ChunkPlan struct {
	Chunks []Chunk `json:"chunks"`
}

// Groups partitions the plan into independent scheduling groups: each
// group is a reference chunk followed by zero or more continuations that
// must run strictly after it, in order.
func (p ChunkPlan) Groups() ([][]Chunk, error) {
	var groups [][]Chunk
	var current []Chunk
	for _, c := range p.Chunks {
		switch c.Kind {
		case ChunkKindReference:
			if len(current) > 0 {
				groups = append(groups, current)
			}
			current = []Chunk{c}
		case ChunkKindContinuation:
			if len(current) == 0 {
				return nil, fmt.Errorf("chunk_plan: continuation chunk %d has no preceding reference chunk", c.Index)
			}
			current = append(current, c)
		default:
			return nil, fmt.Errorf("chunk_plan: chunk %d has unknown kind %q", c.Index, c.Kind)
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups, nil
}

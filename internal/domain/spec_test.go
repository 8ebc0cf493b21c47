package domain

import "testing"

// validSpec models a 10-second ad as two 5-second beats, the smallest
// pairing that exercises both the per-beat {5,10,15} set and a
// multi-beat total.
func validSpec() Spec {
	return Spec{
		DurationSeconds: 10,
		Beats: []Beat{
			{Index: 0, StartSecond: 0, EndSecond: 5, Description: "hook", VisualCue: "product close-up"},
			{Index: 1, StartSecond: 5, EndSecond: 10, Description: "payoff", VisualCue: "product in use"},
		},
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(Spec) Spec
		wantErr bool
	}{
		{"valid spec passes", func(s Spec) Spec { return s }, false},
		{"valid 30-second spec with three beats passes", func(s Spec) Spec {
			return Spec{
				DurationSeconds: 30,
				Beats: []Beat{
					{Index: 0, StartSecond: 0, EndSecond: 15},
					{Index: 1, StartSecond: 15, EndSecond: 25},
					{Index: 2, StartSecond: 25, EndSecond: 30},
				},
			}
		}, false},
		{"beat duration outside {5,10,15} rejected", func(s Spec) Spec {
			s.Beats[0].EndSecond = 3
			return s
		}, true},
		{"mismatched total duration rejected", func(s Spec) Spec { s.DurationSeconds = 7; return s }, true},
		{"empty beats rejected", func(s Spec) Spec { s.Beats = nil; return s }, true},
		{"out of order index rejected", func(s Spec) Spec {
			s.Beats[1].Index = 5
			return s
		}, true},
		{"non-contiguous gap rejected", func(s Spec) Spec {
			s.Beats[1].StartSecond = 6
			return s
		}, true},
		{"zero-length beat rejected", func(s Spec) Spec {
			s.Beats[0].EndSecond = s.Beats[0].StartSecond
			return s
		}, true},
		{"beats not spanning full duration rejected", func(s Spec) Spec {
			s.DurationSeconds = 15
			return s
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.mutate(validSpec())
			err := spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChunkPlanGroups(t *testing.T) {
	plan := ChunkPlan{Chunks: []Chunk{
		{Index: 0, BeatIndex: 0, Kind: ChunkKindReference},
		{Index: 1, BeatIndex: 0, Kind: ChunkKindContinuation},
		{Index: 2, BeatIndex: 1, Kind: ChunkKindReference},
	}}

	groups, err := plan.Groups()
	if err != nil {
		t.Fatalf("Groups() error = %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(groups))
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("unexpected group sizes: %v, %v", len(groups[0]), len(groups[1]))
	}
	if groups[0][0].Kind != ChunkKindReference || groups[0][1].Kind != ChunkKindContinuation {
		t.Fatalf("group 0 ordering wrong: %+v", groups[0])
	}
}

func TestChunkPlanGroupsRejectsLeadingContinuation(t *testing.T) {
	plan := ChunkPlan{Chunks: []Chunk{
		{Index: 0, BeatIndex: 0, Kind: ChunkKindContinuation},
	}}
	if _, err := plan.Groups(); err == nil {
		t.Fatal("expected error for continuation with no preceding reference chunk")
	}
}

func TestChunkPlanGroupsRejectsUnknownKind(t *testing.T) {
	plan := ChunkPlan{Chunks: []Chunk{
		{Index: 0, BeatIndex: 0, Kind: "mystery"},
	}}
	if _, err := plan.Groups(); err == nil {
		t.Fatal("expected error for unknown chunk kind")
	}
}

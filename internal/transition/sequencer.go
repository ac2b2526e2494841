package transition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/argrepair"
)

const (
	ActionType = "add_transition"

	DefaultTransitionName = "Cross Dissolve"
	FallbackDescriptor    = "smooth cinematic cross dissolve"
	FallbackDuration      = 1.0
	MinDuration           = 0.1
	MaxDuration           = 2.0
)

// ErrNoMatch is returned by a SimilarityStore that cannot answer at all, for
// example because its catalog is empty.
var ErrNoMatch = errors.New("no catalog transition matches")

type CatalogEntry struct {
	Name        string
	Description string
	Score       float64
}

// SimilarityStore maps a free-text style descriptor to the closest catalog
// transition. A zero entry with a nil error is a miss.
type SimilarityStore interface {
	Query(ctx context.Context, descriptor string) (CatalogEntry, error)
}

// Request carries the three text-encoded tool arguments as the model sent
// them.
type Request struct {
	Clips       string
	Descriptors string
	Durations   string
}

type Cut struct {
	CutIndex       int     `json:"cut_index"`
	TransitionName string  `json:"transition_name"`
	Duration       float64 `json:"duration"`
	VibeUsed       string  `json:"vibe_used"`
	OutgoingFrame  string  `json:"outgoing_frame,omitempty"`
	IncomingFrame  string  `json:"incoming_frame,omitempty"`
}

type Result struct {
	ActionType     string   `json:"action_type"`
	Status         string   `json:"status"`
	Transitions    []Cut    `json:"transitions"`
	Count          int      `json:"count"`
	Error          string   `json:"error,omitempty"`
	DegradedFields []string `json:"degraded_fields,omitempty"`
}

type Sequencer struct {
	store  SimilarityStore
	logger *zap.Logger
}

func NewSequencer(store SimilarityStore, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{store: store, logger: logger}
}

// Sequence assigns one catalog transition to each of the N-1 cuts between N
// clip groups. Fewer than two groups is reported in the result, not as an
// error. A store error aborts the whole call.
func (s *Sequencer) Sequence(ctx context.Context, req Request) (Result, error) {
	clipsValue := argrepair.Parse(req.Clips)
	descValue := argrepair.Parse(req.Descriptors)
	durValue := argrepair.Parse(req.Durations)

	result := Result{ActionType: ActionType, Transitions: []Cut{}}
	fields := []struct {
		name  string
		raw   string
		value argrepair.Value
	}{
		{"durations_json", req.Durations, durValue},
		{"img_paths_json", req.Clips, clipsValue},
		{"target_vibes_json", req.Descriptors, descValue},
	}
	for _, field := range fields {
		if field.value.Degraded() && strings.TrimSpace(field.raw) != "" {
			result.DegradedFields = append(result.DegradedFields, field.name)
		}
	}

	clips := clipsValue.Groups()
	if len(clips) < 2 {
		result.Status = "error"
		result.Error = fmt.Sprintf("Need at least 2 clips to add transitions, got %d.", len(clips))
		return result, nil
	}
	if s.store == nil {
		return Result{}, fmt.Errorf("similarity store is not configured: %w", ErrNoMatch)
	}

	numCuts := len(clips) - 1
	descriptors := RepairDescriptors(descValue, numCuts)
	durations := RepairDurations(durValue, numCuts)

	cuts := make([]Cut, 0, numCuts)
	for i := 0; i < numCuts; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		descriptor := descriptors[i]
		entry, err := s.store.Query(ctx, descriptor)
		if err != nil {
			return Result{}, fmt.Errorf("query cut %d %q: %w", i, descriptor, err)
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = DefaultTransitionName
		}
		cut := Cut{
			CutIndex:       i,
			TransitionName: name,
			Duration:       ClampDuration(durations[i]),
			VibeUsed:       descriptor,
			OutgoingFrame:  lastFrame(clips[i]),
			IncomingFrame:  firstFrame(clips[i+1]),
		}
		s.logger.Debug("cut sequenced",
			zap.Int("cut_index", cut.CutIndex),
			zap.String("transition", cut.TransitionName),
			zap.Float64("duration", cut.Duration),
			zap.Float64("score", entry.Score),
		)
		cuts = append(cuts, cut)
	}

	result.Status = "success"
	result.Transitions = cuts
	result.Count = len(cuts)
	return result, nil
}

// RepairDescriptors returns at least n descriptors. A scalar is broadcast, a
// short list is extended with its last element and an empty one with the
// fallback descriptor. Longer lists are returned whole.
func RepairDescriptors(value argrepair.Value, n int) []string {
	items := make([]string, 0, n)
	for _, s := range value.Strings() {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return extend(items, n, FallbackDescriptor)
}

// RepairDurations applies the same shape rules as RepairDescriptors with a
// fallback of one second. Values are not clamped here.
func RepairDurations(value argrepair.Value, n int) []float64 {
	items := make([]float64, 0, n)
	for _, f := range value.Floats() {
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			items = append(items, f)
		}
	}
	return extend(items, n, FallbackDuration)
}

func ClampDuration(d float64) float64 {
	switch {
	case math.IsNaN(d):
		return FallbackDuration
	case d < MinDuration:
		return MinDuration
	case d > MaxDuration:
		return MaxDuration
	default:
		return d
	}
}

func extend[T any](items []T, n int, fallback T) []T {
	if len(items) == 0 {
		items = append(items, fallback)
	}
	last := items[len(items)-1]
	for len(items) < n {
		items = append(items, last)
	}
	return items
}

func firstFrame(group []string) string {
	if len(group) == 0 {
		return ""
	}
	return group[0]
}

func lastFrame(group []string) string {
	if len(group) == 0 {
		return ""
	}
	return group[len(group)-1]
}

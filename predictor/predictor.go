// Package predictor derives probable next resources from session context and
// warms the caches with them.
package predictor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/vector"
)

// Prediction types.
const (
	PredictFile      = "file"
	PredictQuery     = "query"
	PredictToolInput = "tool_input"
	PredictFeature   = "feature"
)

// Strategies.
const (
	StrategyFileSimilarity = "file_similarity"
	StrategyQueryPattern   = "query_pattern"
	StrategyToolChain      = "tool_chain"
	StrategyFeatureContext = "feature_context"
)

// Post-processing bounds.
const (
	minConfidence  = 0.6
	maxPredictions = 10
)

// Prediction is one probable next resource.
type Prediction struct {
	Type       string  `json:"type"`
	Resource   string  `json:"resource"`
	Confidence float64 `json:"confidence"`
	Strategy   string  `json:"strategy"`
	Reason     string  `json:"reason"`
}

// State is the session context the strategies read.
type State struct {
	Project  string
	Files    []string
	Queries  []string
	Tools    []string
	Features []string
}

// toolChains maps a tool to its likely follow-ups.
var toolChains = map[string][]string{
	"search_codebase": {"ask_codebase", "explain_code"},
	"ask_codebase":    {"explain_code", "search_codebase"},
	"explain_code":    {"review_code"},
	"review_code":     {"generate_tests"},
	"recall_memory":   {"search_codebase"},
}

// Predict runs all four strategies and post-processes: confidence floor,
// dedup by resource keeping the strongest, sorted descending, top ten.
func (l *Loader) Predict(ctx context.Context, state State) []Prediction {
	var predictions []Prediction
	predictions = append(predictions, l.predictFileSimilarity(ctx, state)...)
	predictions = append(predictions, predictQueryPattern(state)...)
	predictions = append(predictions, predictToolChain(state)...)
	predictions = append(predictions, predictFeatureContext(state)...)

	byResource := make(map[string]Prediction)
	for _, p := range predictions {
		if p.Confidence < minConfidence {
			continue
		}
		if existing, ok := byResource[p.Resource]; ok && existing.Confidence >= p.Confidence {
			continue
		}
		byResource[p.Resource] = p
	}

	deduped := make([]Prediction, 0, len(byResource))
	for _, p := range byResource {
		deduped = append(deduped, p)
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].Confidence != deduped[j].Confidence {
			return deduped[i].Confidence > deduped[j].Confidence
		}
		return deduped[i].Resource < deduped[j].Resource
	})
	if len(deduped) > maxPredictions {
		deduped = deduped[:maxPredictions]
	}
	return deduped
}

// predictFileSimilarity searches the codebase near the most recent files and
// predicts the neighbors not already open.
func (l *Loader) predictFileSimilarity(ctx context.Context, state State) []Prediction {
	files := state.Files
	if len(files) > 3 {
		files = files[len(files)-3:]
	}
	open := make(map[string]bool, len(state.Files))
	for _, f := range state.Files {
		open[f] = true
	}

	collection := vector.CollectionName(state.Project, vector.SuffixCodebase)
	var predictions []Prediction
	for _, file := range files {
		vec, err := l.embedder.Embed(ctx, file, embedder.Options{})
		if err != nil {
			continue
		}
		results, err := l.provider.Search(ctx, collection, vec, 5, vector.SearchOptions{MinScore: 0.5})
		if err != nil {
			continue
		}
		for _, r := range results {
			neighbor, _ := r.Payload["file"].(string)
			if neighbor == "" || open[neighbor] {
				continue
			}
			confidence := float64(r.Score) * 1.1
			if confidence > 1 {
				confidence = 1
			}
			predictions = append(predictions, Prediction{
				Type:       PredictFile,
				Resource:   neighbor,
				Confidence: confidence,
				Strategy:   StrategyFileSimilarity,
				Reason:     fmt.Sprintf("Similar to %s", file),
			})
		}
	}
	return predictions
}

// predictQueryPattern extends the shared vocabulary of the last two queries
// and assumes recent queries will be refined.
func predictQueryPattern(state State) []Prediction {
	var predictions []Prediction

	if len(state.Queries) >= 2 {
		last := tokenize(state.Queries[len(state.Queries)-1])
		prev := tokenize(state.Queries[len(state.Queries)-2])

		prevSet := make(map[string]bool, len(prev))
		for _, t := range prev {
			prevSet[t] = true
		}
		var shared []string
		for _, t := range last {
			if prevSet[t] {
				shared = append(shared, t)
				delete(prevSet, t)
			}
		}
		if len(shared) > 0 {
			if len(shared) > 2 {
				shared = shared[:2]
			}
			predictions = append(predictions, Prediction{
				Type:       PredictQuery,
				Resource:   strings.Join(shared, " "),
				Confidence: 0.7,
				Strategy:   StrategyQueryPattern,
				Reason:     "Shared terms across recent queries",
			})
		}
	}

	recent := state.Queries
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	for _, q := range recent {
		predictions = append(predictions, Prediction{
			Type:       PredictQuery,
			Resource:   q,
			Confidence: 0.65,
			Strategy:   StrategyQueryPattern,
			Reason:     "Recent queries are often refined",
		})
	}
	return predictions
}

// predictToolChain predicts the next tool invocations from the last tool
// used, carrying the latest query as the probable input.
func predictToolChain(state State) []Prediction {
	if len(state.Tools) == 0 || len(state.Queries) == 0 {
		return nil
	}
	lastTool := state.Tools[len(state.Tools)-1]
	successors, ok := toolChains[lastTool]
	if !ok {
		return nil
	}
	lastQuery := state.Queries[len(state.Queries)-1]

	predictions := make([]Prediction, 0, len(successors))
	for _, next := range successors {
		predictions = append(predictions, Prediction{
			Type:       PredictToolInput,
			Resource:   lastQuery,
			Confidence: 0.75,
			Strategy:   StrategyToolChain,
			Reason:     fmt.Sprintf("%s often follows %s", next, lastTool),
		})
	}
	return predictions
}

// predictFeatureContext predicts queries around the active features.
func predictFeatureContext(state State) []Prediction {
	features := state.Features
	if len(features) > 3 {
		features = features[:3]
	}

	var predictions []Prediction
	for _, feature := range features {
		predictions = append(predictions,
			Prediction{
				Type:       PredictFeature,
				Resource:   feature,
				Confidence: 0.7,
				Strategy:   StrategyFeatureContext,
				Reason:     "Active feature",
			},
			Prediction{
				Type:       PredictQuery,
				Resource:   feature + " implementation",
				Confidence: 0.65,
				Strategy:   StrategyFeatureContext,
				Reason:     "Active feature implementation lookup",
			})
	}
	return predictions
}

// tokenize lowercases and keeps tokens longer than three characters.
func tokenize(query string) []string {
	var tokens []string
	for _, t := range strings.Fields(strings.ToLower(query)) {
		if len(t) > 3 {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

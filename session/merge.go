package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/embedder"
	"github.com/quarry-ai/quarry/llm"
	"github.com/quarry-ai/quarry/memory"
	"github.com/quarry-ai/quarry/observability"
	"github.com/quarry-ai/quarry/vector"
)

// Auto-merge parameters. The merge is opportunistic cleanup, so every budget
// here fails toward doing less.
const (
	mergeSimilarity   = 0.9
	mergeClusterBatch = 3
	mergeClusterTime  = 30 * time.Second
	mergeOverallTime  = 90 * time.Second
	mergeSampleSize   = 200
	mergeNeighborhood = 5
)

// maybeAutoMerge merges near-duplicate durable memories for the project, at
// most once per merge interval.
func (m *Manager) maybeAutoMerge(ctx context.Context, project string) {
	m.mu.Lock()
	last, ok := m.lastMerge[project]
	if ok && time.Since(last) < m.cfg.MergeInterval {
		m.mu.Unlock()
		return
	}
	m.lastMerge[project] = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, mergeOverallTime)
	defer cancel()

	clusters, err := m.findMergeClusters(ctx, project)
	if err != nil {
		slog.Warn("Auto-merge cluster scan failed", "project", project, "error", err)
		return
	}
	if len(clusters) == 0 {
		return
	}

	merged := 0
	for start := 0; start < len(clusters); start += mergeClusterBatch {
		if ctx.Err() != nil {
			break
		}
		end := start + mergeClusterBatch
		if end > len(clusters) {
			end = len(clusters)
		}
		for _, cluster := range clusters[start:end] {
			clusterCtx, clusterCancel := context.WithTimeout(ctx, mergeClusterTime)
			err := m.mergeCluster(clusterCtx, project, cluster)
			clusterCancel()
			if err != nil {
				// Originals are untouched on failure; nothing is lost.
				observability.AutoMerges.WithLabelValues("failed").Inc()
				slog.Warn("Cluster merge failed", "project", project, "error", err)
				continue
			}
			observability.AutoMerges.WithLabelValues("merged").Inc()
			merged++
		}
	}
	if merged > 0 {
		slog.Info("Auto-merged duplicate memories", "project", project, "clusters", merged)
	}
}

// findMergeClusters samples the durable collection and groups points whose
// recommend-neighborhood similarity exceeds the merge threshold.
func (m *Manager) findMergeClusters(ctx context.Context, project string) ([][]memory.Memory, error) {
	collection := vector.CollectionName(project, vector.SuffixAgentMemory)

	byID := make(map[string]*memory.Memory)
	var order []string
	offset := ""
	for len(order) < mergeSampleSize {
		page, err := m.provider.Scroll(ctx, collection, nil, sessionScanPage, offset)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			byID[p.ID] = memory.FromPayload(p.ID, p.Payload)
			order = append(order, p.ID)
		}
		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}

	visited := make(map[string]bool)
	var clusters [][]memory.Memory
	for _, id := range order {
		if visited[id] {
			continue
		}
		visited[id] = true

		neighbors, err := m.provider.Recommend(ctx, collection, []string{id}, nil, mergeNeighborhood, mergeSimilarity)
		if err != nil {
			return nil, err
		}

		cluster := []memory.Memory{*byID[id]}
		for _, n := range neighbors {
			if n.ID == id || visited[n.ID] {
				continue
			}
			member, ok := byID[n.ID]
			if !ok {
				continue
			}
			visited[n.ID] = true
			cluster = append(cluster, *member)
		}
		if len(cluster) > 1 {
			clusters = append(clusters, cluster)
		}
	}
	return clusters, nil
}

// mergeCluster combines one cluster into a single durable memory and deletes
// the originals only after the merged record is stored.
func (m *Manager) mergeCluster(ctx context.Context, project string, cluster []memory.Memory) error {
	content := m.mergeContents(ctx, cluster)

	ids := make([]string, len(cluster))
	tagSet := make(map[string]bool)
	var tags []string
	earliest := cluster[0].CreatedAt
	for i, c := range cluster {
		ids[i] = c.ID
		for _, t := range c.Tags {
			if !tagSet[t] {
				tagSet[t] = true
				tags = append(tags, t)
			}
		}
		if !c.CreatedAt.IsZero() && c.CreatedAt.Before(earliest) {
			earliest = c.CreatedAt
		}
	}

	mergedFrom := make([]any, len(ids))
	for i, id := range ids {
		mergedFrom[i] = id
	}

	vec, err := m.embedder.Embed(ctx, content, embedder.Options{})
	if err != nil {
		return err
	}

	merged := memory.Memory{
		ID:        uuid.NewString(),
		Type:      cluster[0].Type,
		Content:   content,
		Tags:      tags,
		CreatedAt: earliest,
		UpdatedAt: time.Now().UTC(),
		Source:    cluster[0].Source,
		Validated: true,
		Metadata: map[string]any{
			"mergedFrom":    mergedFrom,
			"originalCount": len(cluster),
		},
	}

	collection := vector.CollectionName(project, vector.SuffixAgentMemory)
	point := vector.Point{
		ID:      merged.ID,
		Vector:  vec,
		Payload: memory.Payload(&merged, project),
	}
	if err := m.provider.Upsert(ctx, collection, []vector.Point{point}); err != nil {
		return err
	}
	return m.provider.Delete(ctx, collection, ids)
}

// mergeContents asks the LLM to combine the cluster, falling back to a
// deduplicated join. The join is the correctness baseline; the LLM only
// improves readability.
func (m *Manager) mergeContents(ctx context.Context, cluster []memory.Memory) string {
	if m.llm != nil {
		prompt := "Merge these near-duplicate notes into one concise note, preserving unique information:\n"
		for _, c := range cluster {
			prompt += "- " + c.Content + "\n"
		}
		completion, err := m.llm.Complete(ctx, prompt, llm.CompleteOptions{
			SystemPrompt: "You merge duplicate notes without losing information.",
			MaxTokens:    512,
			Temperature:  0.1,
		})
		if err == nil && strings.TrimSpace(completion.Text) != "" {
			return strings.TrimSpace(completion.Text)
		}
		observability.AutoMerges.WithLabelValues("fallback").Inc()
	}

	seen := make(map[string]bool)
	var parts []string
	for _, c := range cluster {
		content := strings.TrimSpace(c.Content)
		if content == "" || seen[content] {
			continue
		}
		seen[content] = true
		parts = append(parts, content)
	}
	return strings.Join(parts, " | ")
}

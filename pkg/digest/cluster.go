package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/karstenhoffmann/nexus-os/pkg/embeddings"
	"github.com/karstenhoffmann/nexus-os/pkg/prompts"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

const (
	// Hybrid naming samples per cluster and how much of each passage the
	// model sees.
	maxNameSamples  = 10
	nameSampleChars = 500

	// Pure-LLM clustering caps: how many chunks go to the model and how
	// much of each.
	maxPureChunks    = 100
	pureExcerptChars = 300
)

// Topic is one clustered theme with the chunks that back it.
type Topic struct {
	Name         string
	Summary      string
	KeyPoints    []string
	ChunkIndices []int
}

// clusterHybrid groups embedded chunks with k-means and asks the model to
// name each cluster. Clusters far below the minimum size are noise and
// are dropped.
func (g *Generator) clusterHybrid(ctx context.Context, chunks []store.DigestChunk) ([]Topic, error) {
	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		vec, err := embeddings.DeserializeFloat32(c.Blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %d vector: %w", c.ChunkID, err)
		}
		vectors[i] = vec
	}

	k := chooseK(len(chunks))
	assignments := kmeans(vectors, k)

	members := make(map[int][]int)
	for i, c := range assignments {
		members[c] = append(members[c], i)
	}

	minSize := g.minClusterSize / 2
	if minSize < 1 {
		minSize = 1
	}

	clusterIDs := make([]int, 0, len(members))
	for c := range members {
		clusterIDs = append(clusterIDs, c)
	}
	sort.Ints(clusterIDs)

	var topics []Topic
	for _, c := range clusterIDs {
		idx := members[c]
		if len(idx) < minSize {
			continue
		}
		t := g.nameCluster(ctx, chunks, idx, len(topics))
		t.ChunkIndices = idx
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		// Everything was noise-sized; keep one topic so the digest is not
		// empty.
		all := make([]int, len(chunks))
		for i := range all {
			all[i] = i
		}
		t := g.nameCluster(ctx, chunks, all, 0)
		t.ChunkIndices = all
		topics = append(topics, t)
	}
	return topics, nil
}

// namedTopic is the JSON shape the topic naming prompt demands.
type namedTopic struct {
	TopicName string   `json:"topic_name"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// nameCluster asks the model for topic name, summary and key points over
// sampled passages. A failed call or an undecodable reply falls back to a
// positional name with empty summary and key points.
func (g *Generator) nameCluster(ctx context.Context, chunks []store.DigestChunk, idx []int, topicNum int) Topic {
	samples := make([]string, 0, maxNameSamples)
	for _, i := range idx {
		if len(samples) == maxNameSamples {
			break
		}
		samples = append(samples, truncate(chunks[i].Text, nameSampleChars))
	}

	fallback := Topic{Name: fmt.Sprintf("Theme %d", topicNum+1)}

	reply, err := g.chat(ctx, prompts.KeyTopicNaming, map[string]string{
		"samples_joined": strings.Join(samples, "\n---\n"),
	})
	if err != nil {
		g.logger.Warn("topic naming failed", "error", err)
		return fallback
	}

	var parsed namedTopic
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &parsed); err != nil ||
		strings.TrimSpace(parsed.TopicName) == "" {
		g.logger.Warn("topic naming reply unparseable", "error", err)
		return fallback
	}
	return Topic{
		Name:      strings.TrimSpace(parsed.TopicName),
		Summary:   strings.TrimSpace(parsed.Summary),
		KeyPoints: parsed.KeyPoints,
	}
}

// pureClusterTopic is one element of the JSON list the clustering prompt
// demands.
type pureClusterTopic struct {
	TopicName    string   `json:"topic_name"`
	Summary      string   `json:"summary"`
	KeyPoints    []string `json:"key_points"`
	ChunkIndices []int    `json:"chunk_indices"`
}

// clusterPureLLM has the model group numbered excerpts directly, for
// libraries without embeddings. A malformed reply degrades to one topic
// holding everything.
func (g *Generator) clusterPureLLM(ctx context.Context, chunks []store.DigestChunk) ([]Topic, error) {
	n := len(chunks)
	if n > maxPureChunks {
		n = maxPureChunks
	}

	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[%d] %s\n", i, truncate(chunks[i].Text, pureExcerptChars))
	}

	reply, err := g.chat(ctx, prompts.KeyClusteringPure, map[string]string{
		"chunk_count":    strconv.Itoa(n),
		"num_clusters":   strconv.Itoa(chooseK(n)),
		"summaries_text": b.String(),
	})
	if err != nil {
		return nil, err
	}

	var parsed []pureClusterTopic
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &parsed); err != nil || len(parsed) == 0 {
		g.logger.Warn("clustering reply unparseable, using single topic", "error", err)
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return []Topic{{Name: "Recent reading", ChunkIndices: all}}, nil
	}

	var topics []Topic
	for ci, c := range parsed {
		var valid []int
		for _, i := range c.ChunkIndices {
			if i >= 0 && i < n {
				valid = append(valid, i)
			}
		}
		if len(valid) == 0 {
			continue
		}
		name := strings.TrimSpace(c.TopicName)
		if name == "" {
			name = fmt.Sprintf("Theme %d", ci+1)
		}
		topics = append(topics, Topic{
			Name:         name,
			Summary:      c.Summary,
			KeyPoints:    c.KeyPoints,
			ChunkIndices: valid,
		})
	}
	if len(topics) == 0 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		topics = []Topic{{Name: "Recent reading", ChunkIndices: all}}
	}
	return topics, nil
}

// stripCodeFence unwraps a markdown-fenced reply; models wrap JSON in
// ```json fences no matter how the prompt pleads.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

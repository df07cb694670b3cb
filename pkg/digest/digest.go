// Package digest generates periodic reading digests: recent chunks are
// clustered into topics, each topic is named, and one summary ties the
// topics together.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/karstenhoffmann/nexus-os/pkg/jobs"
	"github.com/karstenhoffmann/nexus-os/pkg/llm"
	"github.com/karstenhoffmann/nexus-os/pkg/prompts"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

// Clustering strategies.
const (
	StrategyHybrid  = "hybrid"
	StrategyPureLLM = "pure_llm"
)

const (
	defaultDays           = 7
	defaultMinClusterSize = 3
	defaultMaxChunks      = 2000

	citationsPerTopic = 3
	citationChars     = 200
)

// Config configures a Generator. Zero values take the defaults.
type Config struct {
	Store    *store.Store
	LLM      llm.Provider
	Prompts  *prompts.Registry
	Registry *jobs.Registry
	Logger   hclog.Logger

	// EmbedProvider and EmbedModel select whose vectors the hybrid
	// strategy clusters.
	EmbedProvider string
	EmbedModel    string

	// Strategy defaults to hybrid; it falls back to pure-LLM when no
	// embedded chunks exist in the window.
	Strategy string

	// MinClusterSize marks smaller clusters as noise.
	MinClusterSize int

	// MaxChunks caps how many chunks one digest analyzes.
	MaxChunks int

	// MaxCallsPerDay caps chat calls per day; zero disables the cap.
	MaxCallsPerDay int
}

// Generator runs digest jobs.
type Generator struct {
	store    *store.Store
	llm      llm.Provider
	prompts  *prompts.Registry
	registry *jobs.Registry
	logger   hclog.Logger

	embedProvider  string
	embedModel     string
	strategy       string
	minClusterSize int
	maxChunks      int
	maxCalls       int

	// Per-run token accounting; one digest runs at a time.
	mu        sync.Mutex
	tokensIn  int
	tokensOut int
	costUSD   float64
}

func (g *Generator) resetCounters() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokensIn, g.tokensOut, g.costUSD = 0, 0, 0
}

func (g *Generator) addUsage(in, out int, cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokensIn += in
	g.tokensOut += out
	g.costUSD += cost
}

func (g *Generator) counters() (tokensIn, tokensOut int, cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokensIn, g.tokensOut, g.costUSD
}

// NewGenerator builds a Generator.
func NewGenerator(cfg Config) *Generator {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyHybrid
	}
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = defaultMinClusterSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = defaultMaxChunks
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Generator{
		store:          cfg.Store,
		llm:            cfg.LLM,
		prompts:        cfg.Prompts,
		registry:       cfg.Registry,
		logger:         cfg.Logger.Named("digest"),
		embedProvider:  cfg.EmbedProvider,
		embedModel:     cfg.EmbedModel,
		strategy:       cfg.Strategy,
		minClusterSize: cfg.MinClusterSize,
		maxChunks:      cfg.MaxChunks,
		maxCalls:       cfg.MaxCallsPerDay,
	}
}

// Options tunes one digest run.
type Options struct {
	// Days is the lookback window; defaults to a week.
	Days int

	// Name overrides the generated digest name.
	Name string

	// Strategy overrides the configured clustering strategy for this run.
	Strategy string
}

// Estimate predicts the cost of a digest over the given window.
type Estimate struct {
	Chunks        int     `json:"chunks"`
	TokensInput   int     `json:"tokens_input"`
	TokensOutput  int     `json:"tokens_output"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
	Model         string  `json:"model"`
}

// Estimate predicts what generating a digest over the last days would
// cost with the configured model.
func (g *Generator) Estimate(ctx context.Context, days int) (*Estimate, error) {
	if days <= 0 {
		days = defaultDays
	}
	from, to := dateWindow(days)
	chunks, err := g.store.ListChunksInDateRange(ctx, from, to, "", "", g.maxChunks)
	if err != nil {
		return nil, err
	}
	in, out, cost, err := llm.EstimateDigestCost(g.llm.ModelID(), len(chunks))
	if err != nil {
		return nil, err
	}
	return &Estimate{
		Chunks:        len(chunks),
		TokensInput:   in,
		TokensOutput:  out,
		EstimatedCost: cost,
		Model:         g.llm.ModelID(),
	}, nil
}

// Start launches a digest job. Only one digest runs at a time.
func (g *Generator) Start(ctx context.Context, opts Options) (*jobs.Job, error) {
	if active := g.registry.Active(jobs.KindDigest); active != nil {
		return nil, fmt.Errorf("digest job %s is already active", active.ID)
	}
	if opts.Days <= 0 {
		opts.Days = defaultDays
	}

	job := jobs.NewJob(jobs.KindDigest)
	g.registry.Add(job)
	go g.run(job, opts)
	return job, nil
}

func (g *Generator) run(job *jobs.Job, opts Options) {
	ctx := context.Background()
	job.MarkRunning()

	digestID, err := g.generate(ctx, job, opts)
	if err != nil {
		job.Publish(jobs.EventFailed, map[string]any{"error": err.Error()})
		job.Finish(jobs.StatusFailed, err.Error())
		g.logger.Error("digest failed", "job_id", job.ID, "error", err)
		return
	}

	job.SetProgress(map[string]any{"digest_id": digestID})
	job.Publish(jobs.EventCompleted, map[string]any{"digest_id": digestID})
	job.Finish(jobs.StatusCompleted, "")
	g.logger.Info("digest completed", "job_id", job.ID, "digest_id", digestID)
}

func (g *Generator) generate(ctx context.Context, job *jobs.Job, opts Options) (int64, error) {
	from, to := dateWindow(opts.Days)

	// Fetch. The hybrid strategy needs vectors; without any it degrades
	// to pure-LLM clustering over un-embedded chunks.
	strategy := g.strategy
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}
	var chunks []store.DigestChunk
	var err error
	if strategy == StrategyHybrid {
		chunks, err = g.store.ListChunksInDateRange(ctx, from, to, g.embedProvider, g.embedModel, g.maxChunks)
		if err != nil {
			return 0, err
		}
		if len(chunks) == 0 {
			strategy = StrategyPureLLM
		}
	}
	if strategy == StrategyPureLLM {
		chunks, err = g.store.ListChunksInDateRange(ctx, from, to, "", "", g.maxChunks)
		if err != nil {
			return 0, err
		}
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no chunks between %s and %s", from, to)
	}
	job.Publish(jobs.EventProgress, map[string]any{
		"stage": "fetch", "chunks": len(chunks), "strategy": strategy})

	g.resetCounters()

	// Cluster.
	var topics []Topic
	if strategy == StrategyHybrid {
		topics, err = g.clusterHybrid(ctx, chunks)
	} else {
		topics, err = g.clusterPureLLM(ctx, chunks)
	}
	if err != nil {
		return 0, err
	}
	job.Publish(jobs.EventProgress, map[string]any{
		"stage": "cluster", "topics": len(topics)})

	// Summarize.
	var lines []string
	for _, t := range topics {
		if t.Summary != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", t.Name, t.Summary))
		} else {
			lines = append(lines, "- "+t.Name)
		}
	}
	reply, err := g.chat(ctx, prompts.KeyDigestSummary, map[string]string{
		"topics_joined": strings.Join(lines, "\n"),
	})
	if err != nil {
		return 0, err
	}
	summary, highlights := parseSummaryReply(reply)
	job.Publish(jobs.EventProgress, map[string]any{"stage": "summarize"})

	// Compile.
	return g.compile(ctx, opts, from, to, strategy, chunks, topics, summary, highlights)
}

// parseSummaryReply decodes the summary prompt's JSON reply. A reply that
// is not the expected shape is kept verbatim as the summary with no
// highlights.
func parseSummaryReply(reply string) (summary string, highlights []string) {
	var parsed struct {
		Summary    string   `json:"summary"`
		Highlights []string `json:"highlights"`
	}
	body := stripCodeFence(reply)
	if err := json.Unmarshal([]byte(body), &parsed); err != nil || strings.TrimSpace(parsed.Summary) == "" {
		return strings.TrimSpace(reply), nil
	}
	return strings.TrimSpace(parsed.Summary), parsed.Highlights
}

// compiledTopic is the shape one topic takes inside the digest's stored
// topics JSON.
type compiledTopic struct {
	TopicIndex int      `json:"topic_index"`
	TopicName  string   `json:"topic_name"`
	Summary    string   `json:"summary"`
	ChunkIDs   []int64  `json:"chunk_ids"`
	KeyPoints  []string `json:"key_points"`
}

func (g *Generator) compile(ctx context.Context, opts Options, from, to, strategy string, chunks []store.DigestChunk, topics []Topic, summary string, highlights []string) (int64, error) {
	docs := make(map[int64]struct{})
	for _, c := range chunks {
		docs[c.DocumentID] = struct{}{}
	}

	compiled := make([]compiledTopic, len(topics))
	for i, t := range topics {
		ids := make([]int64, len(t.ChunkIndices))
		for j, ci := range t.ChunkIndices {
			ids[j] = chunks[ci].ChunkID
		}
		compiled[i] = compiledTopic{
			TopicIndex: i,
			TopicName:  t.Name,
			Summary:    t.Summary,
			ChunkIDs:   ids,
			KeyPoints:  t.KeyPoints,
		}
	}
	topicsJSON, err := json.Marshal(compiled)
	if err != nil {
		return 0, err
	}

	highlightsJSON, err := json.Marshal(highlights)
	if err != nil {
		return 0, err
	}

	name := opts.Name
	if name == "" {
		name = "Digest " + time.Now().UTC().Format("2006-01-02")
	}

	tokensIn, tokensOut, cost := g.counters()
	d := &store.Digest{
		Name:           name,
		TimeRangeDays:  opts.Days,
		DateFrom:       from,
		DateTo:         to,
		Strategy:       strategy,
		ModelID:        g.llm.ModelID(),
		SummaryText:    summary,
		TopicsJSON:     string(topicsJSON),
		HighlightsJSON: string(highlightsJSON),
		Highlights:     highlights,
		DocsAnalyzed:   len(docs),
		ChunksAnalyzed: len(chunks),
		TokensInput:    tokensIn,
		TokensOutput:   tokensOut,
		CostUSD:        cost,
	}

	for ti, t := range topics {
		topic := store.DigestTopic{
			TopicIndex: ti,
			TopicName:  t.Name,
			Summary:    t.Summary,
			KeyPoints:  t.KeyPoints,
			ChunkCount: len(t.ChunkIndices),
		}
		if len(t.KeyPoints) > 0 {
			kp, err := json.Marshal(t.KeyPoints)
			if err != nil {
				return 0, err
			}
			topic.KeyPointsJSON = string(kp)
		}
		for _, ci := range t.ChunkIndices {
			if len(topic.Citations) == citationsPerTopic {
				break
			}
			c := chunks[ci]
			topic.Citations = append(topic.Citations, store.DigestCitation{
				ChunkID:    c.ChunkID,
				DocumentID: c.DocumentID,
				Excerpt:    truncate(c.Text, citationChars),
			})
		}
		d.Topics = append(d.Topics, topic)
	}

	return g.store.SaveDigest(ctx, d)
}

// chat resolves a prompt, enforces the daily cap, runs the completion and
// meters it.
func (g *Generator) chat(ctx context.Context, promptKey string, vars map[string]string) (string, error) {
	if g.maxCalls > 0 {
		calls, err := g.store.CountCallsToday(ctx, "chat")
		if err != nil {
			return "", err
		}
		if calls >= g.maxCalls {
			return "", fmt.Errorf("daily chat call limit reached (%d)", g.maxCalls)
		}
	}

	p, err := g.prompts.Get(ctx, promptKey)
	if err != nil {
		return "", err
	}

	resp, err := g.llm.Chat(ctx, llm.ChatRequest{
		User:        prompts.Render(p.Template, vars),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})

	usage := &store.UsageEntry{
		Provider:  g.llm.Name(),
		Model:     g.llm.ModelID(),
		Operation: "chat",
		Metadata:  fmt.Sprintf(`{"prompt":%q}`, promptKey),
	}
	if err != nil {
		usage.ErrorMessage = err.Error()
		if recErr := g.store.RecordUsage(ctx, usage); recErr != nil {
			g.logger.Error("record usage", "error", recErr)
		}
		return "", err
	}
	usage.Success = true
	usage.TokensInput = resp.TokensInput
	usage.TokensOutput = resp.TokensOutput
	usage.CostUSD = resp.CostUSD
	usage.LatencyMS = int(resp.LatencyMS)
	if recErr := g.store.RecordUsage(ctx, usage); recErr != nil {
		g.logger.Error("record usage", "error", recErr)
	}

	g.addUsage(resp.TokensInput, resp.TokensOutput, resp.CostUSD)
	return resp.Content, nil
}

// dateWindow returns date-only bounds covering the last days including
// today; date-only strings compare cleanly against every stored timestamp
// format.
func dateWindow(days int) (from, to string) {
	now := time.Now().UTC()
	return now.AddDate(0, 0, -days).Format("2006-01-02"),
		now.AddDate(0, 0, 1).Format("2006-01-02")
}

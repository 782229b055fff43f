// Package extraction turns one episode into candidate entities and
// edges via two large-tier model passes: entities first, then
// relationships over the extracted entity names. Candidates leave this
// package with embeddings attached and names cleaned; resolution owns
// everything after that.
package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/embedding"
	"github.com/chronograph-engine/internal/graph"
	"github.com/chronograph-engine/internal/llm"
)

var (
	whitespaceRun       = regexp.MustCompile(`\s+`)
	consecutiveNewlines = regexp.MustCompile(`\n{3,}`)

	// redactions neutralizes instruction-shaped content before it is
	// folded into a prompt. Episode text is data, never directives.
	redactions = []struct {
		pattern     *regexp.Regexp
		replacement string
	}{
		{regexp.MustCompile(`(?i)(ignore|forget|disregard)\s+(all|previous|the|above|all\s+previous)\s+(instructions?|rules?|prompts?)`), "[REDACTED]"},
		{regexp.MustCompile(`(?i)(you are|act as|pretend to be)\s+(a\s+)?(system|admin|developer|assistant)`), "[REDACTED]"},
		{regexp.MustCompile(`(?i)(reveal|show|print)\s+(your|the|system)\s+(prompt|instructions?)`), "[REDACTED]"},
	}
)

// Entity is a candidate entity awaiting resolution.
type Entity struct {
	Name          string
	Type          string
	Attributes    map[string]interface{}
	NameEmbedding []float32
}

// Edge is a candidate relationship between two candidate entities,
// referenced by cleaned name.
type Edge struct {
	SourceName    string
	Relation      string
	TargetName    string
	Fact          string
	ValidAt       *time.Time
	FactEmbedding []float32
}

// Result is the extraction outcome for one episode. Empty marks
// episodes persisted with the extraction_empty flag: low-value content
// or a model pass that found nothing.
type Result struct {
	Entities []Entity
	Edges    []Edge
	Empty    bool
}

// EpisodeSource supplies the context window. graph.GraphStore satisfies
// it.
type EpisodeSource interface {
	RecentEpisodes(ctx context.Context, groupID string, lastN int) ([]*graph.Episode, error)
}

// Config parameterizes the engine.
type Config struct {
	// ContextWindow is how many prior episodes of the group are folded
	// into the prompt.
	ContextWindow    int
	MaxNameLength    int
	MaxContentLength int
	Temperature      float64
}

// DefaultConfig returns the extraction defaults.
func DefaultConfig() Config {
	return Config{
		ContextWindow:    5,
		MaxNameLength:    256,
		MaxContentLength: 8000,
		Temperature:      0.1,
	}
}

// Engine runs the two-pass extraction.
type Engine struct {
	cfg      Config
	llm      llm.Completer
	embedder embedding.Embedder
	episodes EpisodeSource
	logger   *zap.Logger
}

// NewEngine builds the engine.
func NewEngine(cfg Config, completer llm.Completer, embedder embedding.Embedder, episodes EpisodeSource, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultConfig().ContextWindow
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = DefaultConfig().MaxNameLength
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultConfig().MaxContentLength
	}
	return &Engine{
		cfg:      cfg,
		llm:      completer,
		embedder: embedder,
		episodes: episodes,
		logger:   logger.Named("extraction"),
	}
}

const entitySystemPrompt = `You are an information extraction engine for a temporal knowledge graph.
Extract the real-world entities referenced in the current episode: people, organizations, places, products, projects, concepts.

Rules:
1. Extract only entities the episode genuinely references. Never invent.
2. Use the most specific name the episode uses and preserve its capitalization.
3. A compound name is one entity. "GitHub Actions" is not "GitHub" plus "Actions".
4. type is a short category word such as Person, Organization, Place, Product, Concept.
5. attributes holds concrete properties the episode states about the entity.
6. Respond with only a JSON object, no prose and no code fences.

Respond with: {"entities": [{"name": "...", "type": "...", "attributes": {}}]}
If there is nothing to extract respond with {"entities": []}.`

const edgeSystemPrompt = `You are an information extraction engine for a temporal knowledge graph.
Given the current episode and the entities extracted from it, extract the relationships the episode states between those entities.

Rules:
1. source and target must be copied exactly from the entity list. Skip relationships involving anything else.
2. relation is a SCREAMING_SNAKE_CASE predicate such as WORKS_AT or LOCATED_IN.
3. fact restates the relationship as one short sentence grounded in the episode.
4. valid_at is the ISO 8601 time the fact became true, only when the episode states one.
5. Respond with only a JSON object, no prose and no code fences.

Respond with: {"edges": [{"source": "...", "relation": "...", "target": "...", "fact": "...", "valid_at": ""}]}
If there are no relationships respond with {"edges": []}.`

type entityItem struct {
	Name       string                 `json:"name" validate:"required"`
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes"`
}

type entitiesReply struct {
	Entities []entityItem `json:"entities" validate:"required,dive"`
}

type edgeItem struct {
	Source   string `json:"source" validate:"required"`
	Relation string `json:"relation" validate:"required"`
	Target   string `json:"target" validate:"required"`
	Fact     string `json:"fact" validate:"required"`
	ValidAt  string `json:"valid_at"`
}

type edgesReply struct {
	Edges []edgeItem `json:"edges" validate:"required,dive"`
}

// Extract runs both model passes and attaches embeddings. A nil error
// with Result.Empty set means the episode should persist with the
// extraction_empty marker.
func (e *Engine) Extract(ctx context.Context, ep *graph.Episode) (*Result, error) {
	if LowValue(ep.Content) {
		e.logger.Debug("Skipping low-value episode",
			zap.String("episode", ep.UUID),
			zap.String("group_id", ep.GroupID))
		return &Result{Empty: true}, nil
	}

	prior, err := e.episodes.RecentEpisodes(ctx, ep.GroupID, e.cfg.ContextWindow)
	if err != nil {
		e.logger.Warn("Failed to load context window, extracting without it",
			zap.String("group_id", ep.GroupID),
			zap.Error(err))
		prior = nil
	}
	content := e.sanitize(ep.Content)

	var entReply entitiesReply
	if err := e.llm.CompleteJSON(ctx, llm.Request{
		System:      entitySystemPrompt,
		User:        e.buildEpisodePrompt(ep, prior, content),
		Tier:        llm.TierLarge,
		Temperature: e.cfg.Temperature,
	}, &entReply); err != nil {
		return nil, fmt.Errorf("entity extraction: %w", err)
	}

	entities := e.cleanEntities(entReply.Entities)
	if len(entities) == 0 {
		return &Result{Empty: true}, nil
	}

	names := make([]string, len(entities))
	for i, ent := range entities {
		names[i] = ent.Name
	}

	var edgeReply edgesReply
	if err := e.llm.CompleteJSON(ctx, llm.Request{
		System:      edgeSystemPrompt,
		User:        e.buildEdgePrompt(ep, prior, content, names),
		Tier:        llm.TierLarge,
		Temperature: e.cfg.Temperature,
	}, &edgeReply); err != nil {
		return nil, fmt.Errorf("edge extraction: %w", err)
	}
	edges := e.cleanEdges(edgeReply.Edges, names)

	if err := e.attachEmbeddings(ctx, entities, edges); err != nil {
		return nil, fmt.Errorf("candidate embeddings: %w", err)
	}

	e.logger.Debug("Extraction completed",
		zap.String("episode", ep.UUID),
		zap.Int("entities", len(entities)),
		zap.Int("edges", len(edges)))
	return &Result{Entities: entities, Edges: edges}, nil
}

func (e *Engine) buildEpisodePrompt(ep *graph.Episode, prior []*graph.Episode, content string) string {
	var b strings.Builder
	b.WriteString("PREVIOUS EPISODES:\n")
	b.WriteString(e.formatContext(prior, ep.UUID))
	b.WriteString("\n\nCURRENT EPISODE")
	if ep.Role != "" {
		fmt.Fprintf(&b, " (%s)", ep.Role)
	}
	b.WriteString(":\n")
	b.WriteString(content)
	return b.String()
}

func (e *Engine) buildEdgePrompt(ep *graph.Episode, prior []*graph.Episode, content string, names []string) string {
	var b strings.Builder
	b.WriteString("ENTITIES:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	b.WriteString("\n")
	b.WriteString(e.buildEpisodePrompt(ep, prior, content))
	return b.String()
}

// formatContext renders prior episodes oldest first, excluding the one
// being extracted in case it is already persisted.
func (e *Engine) formatContext(prior []*graph.Episode, selfUUID string) string {
	var lines []string
	for i := len(prior) - 1; i >= 0; i-- {
		p := prior[i]
		if p.UUID == selfUUID {
			continue
		}
		role := p.Role
		if role == "" {
			role = "unknown"
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s", role, truncateString(p.Content, 280)))
	}
	if len(lines) == 0 {
		return "none"
	}
	return strings.Join(lines, "\n")
}

// cleanEntities applies name hygiene and drops unusable candidates.
// Duplicate normalized names within one reply keep the first occurrence
// so a single episode never produces two candidates for one referent.
func (e *Engine) cleanEntities(items []entityItem) []Entity {
	seen := make(map[string]struct{}, len(items))
	var out []Entity
	for _, it := range items {
		name := CleanName(it.Name)
		if name == "" || len(name) > e.cfg.MaxNameLength || isNumericName(name) {
			continue
		}
		norm := graph.NormalizeName(name)
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, Entity{
			Name:       name,
			Type:       strings.TrimSpace(it.Type),
			Attributes: it.Attributes,
		})
	}
	return out
}

// cleanEdges drops edges that reference names outside the entity list
// and parses valid_at leniently.
func (e *Engine) cleanEdges(items []edgeItem, names []string) []Edge {
	known := make(map[string]string, len(names))
	for _, n := range names {
		known[graph.NormalizeName(n)] = n
	}
	var out []Edge
	for _, it := range items {
		src, okS := known[graph.NormalizeName(CleanName(it.Source))]
		tgt, okT := known[graph.NormalizeName(CleanName(it.Target))]
		if !okS || !okT {
			e.logger.Debug("Dropping edge with unknown endpoint",
				zap.String("source", it.Source),
				zap.String("target", it.Target))
			continue
		}
		fact := strings.TrimSpace(it.Fact)
		relation := strings.ToUpper(whitespaceRun.ReplaceAllString(strings.TrimSpace(it.Relation), "_"))
		if fact == "" || relation == "" {
			continue
		}
		out = append(out, Edge{
			SourceName: src,
			Relation:   relation,
			TargetName: tgt,
			Fact:       fact,
			ValidAt:    parseValidAt(it.ValidAt),
		})
	}
	return out
}

func (e *Engine) attachEmbeddings(ctx context.Context, entities []Entity, edges []Edge) error {
	if len(entities) > 0 {
		names := make([]string, len(entities))
		for i := range entities {
			names[i] = entities[i].Name
		}
		vecs, err := e.embedder.EmbedBatch(ctx, names)
		if err != nil {
			return err
		}
		for i := range entities {
			entities[i].NameEmbedding = vecs[i]
		}
	}
	if len(edges) > 0 {
		facts := make([]string, len(edges))
		for i := range edges {
			facts[i] = edges[i].Fact
		}
		vecs, err := e.embedder.EmbedBatch(ctx, facts)
		if err != nil {
			return err
		}
		for i := range edges {
			edges[i].FactEmbedding = vecs[i]
		}
	}
	return nil
}

// sanitize bounds the content and neutralizes instruction-shaped text.
func (e *Engine) sanitize(content string) string {
	if len(content) > e.cfg.MaxContentLength {
		content = content[:e.cfg.MaxContentLength] + "..."
	}
	var b strings.Builder
	b.Grow(len(content))
	for _, ch := range content {
		if ch == '\n' || ch == '\t' || (ch >= 32 && ch != 127) {
			b.WriteRune(ch)
		}
	}
	content = b.String()
	for _, r := range redactions {
		content = r.pattern.ReplaceAllString(content, r.replacement)
	}
	content = strings.ReplaceAll(content, "```", "\\`\\`\\`")
	content = consecutiveNewlines.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// CleanName strips surrounding quotes and backticks and collapses
// internal whitespace, preserving case.
func CleanName(raw string) string {
	s := strings.TrimSpace(raw)
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}
	return whitespaceRun.ReplaceAllString(s, " ")
}

// isNumericName reports whether the name is a bare number once
// separators are removed.
func isNumericName(name string) bool {
	digits := 0
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.' || r == ',' || r == '-' || r == '+' || r == ' ' || r == '%':
		default:
			return false
		}
	}
	return digits > 0
}

func parseValidAt(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

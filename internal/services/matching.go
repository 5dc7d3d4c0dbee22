package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskrelay/backend/internal/models"
)

// CandidateRepo is the minimal interface required for matching.
type CandidateRepo interface {
	ListRecent(ctx context.Context, limit int) ([]*models.Candidate, error)
}

// Match is one shortlist entry.
type Match struct {
	CandidateID string  `json:"candidate_id"`
	Rationale   string  `json:"rationale"`
	Score       float64 `json:"score"`
}

// Ranker turns a task and a bounded candidate pool into at most K matches.
// Implementations return ErrNoMatch when nothing qualifies.
type Ranker interface {
	Rank(ctx context.Context, task *models.Task, pool []*models.Candidate) ([]Match, error)
}

// RankingOracle is the external ranking collaborator. It receives the JSON
// request built by OracleRanker and returns its raw JSON answer.
type RankingOracle interface {
	RankCandidates(ctx context.Context, request []byte) ([]byte, error)
}

// ---------------------------------------------------------------------------
// Candidate pool
// ---------------------------------------------------------------------------

// CandidatePool serves a bounded, recency-ordered candidate snapshot and
// caches it for ttl.
type CandidatePool struct {
	repo  CandidateRepo
	limit int
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	cached    []*models.Candidate
	fetchedAt time.Time
}

// NewCandidatePool returns a pool reading at most limit candidates. ttl <= 0 disables caching.
func NewCandidatePool(repo CandidateRepo, limit int, ttl time.Duration) *CandidatePool {
	if limit <= 0 {
		limit = 50
	}
	return &CandidatePool{repo: repo, limit: limit, ttl: ttl, now: time.Now}
}

func (p *CandidatePool) Candidates(ctx context.Context) ([]*models.Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ttl > 0 && p.cached != nil && p.now().Sub(p.fetchedAt) < p.ttl {
		return p.cached, nil
	}
	list, err := p.repo.ListRecent(ctx, p.limit)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	if len(list) > p.limit {
		list = list[:p.limit]
	}
	p.cached = list
	p.fetchedAt = p.now()
	return list, nil
}

// Invalidate drops the cached snapshot, e.g. after a candidate was saved.
func (p *CandidatePool) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Matcher
// ---------------------------------------------------------------------------

// Matcher runs the configured ranker over the candidate pool.
type Matcher struct {
	Pool   *CandidatePool
	Ranker Ranker
}

// NewMatcher returns a new Matcher.
func NewMatcher(pool *CandidatePool, ranker Ranker) *Matcher {
	return &Matcher{Pool: pool, Ranker: ranker}
}

// Shortlist returns the ranked shortlist for task, or ErrNoMatch.
func (m *Matcher) Shortlist(ctx context.Context, task *models.Task) ([]Match, error) {
	pool, err := m.Pool.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, ErrNoMatch
	}
	return m.Ranker.Rank(ctx, task, pool)
}

// ---------------------------------------------------------------------------
// Weighted ranker
// ---------------------------------------------------------------------------

// MatchWeights configures WeightedRanker.
type MatchWeights struct {
	Skill          float64
	Availability   float64
	Performance    float64
	ReferenceHours float64
	// Candidates scoring at or below MinScore are not proposed.
	MinScore float64
}

func DefaultMatchWeights() MatchWeights {
	return MatchWeights{Skill: 0.5, Availability: 0.25, Performance: 0.25, ReferenceHours: 20}
}

// WeightedRanker scores skill overlap, availability and past performance.
type WeightedRanker struct {
	Weights MatchWeights
	K       int
}

func NewWeightedRanker(weights MatchWeights, k int) *WeightedRanker {
	if k <= 0 {
		k = 3
	}
	if weights.ReferenceHours <= 0 {
		weights.ReferenceHours = DefaultMatchWeights().ReferenceHours
	}
	return &WeightedRanker{Weights: weights, K: k}
}

type scoredCandidate struct {
	candidate *models.Candidate
	matched   []string
	overlap   float64
	hours     float64
	perf      float64
	score     float64
}

func (r *WeightedRanker) Rank(_ context.Context, task *models.Task, pool []*models.Candidate) ([]Match, error) {
	want := models.NormalizeTags(task.SkillTags)
	scored := make([]scoredCandidate, 0, len(pool))
	for _, c := range pool {
		sc := r.score(want, c)
		if sc.score <= r.Weights.MinScore {
			continue
		}
		scored = append(scored, sc)
	}
	if len(scored) == 0 {
		return nil, ErrNoMatch
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.perf != b.perf {
			return a.perf > b.perf
		}
		return a.candidate.UserID < b.candidate.UserID
	})

	n := min(r.K, len(scored))
	out := make([]Match, 0, n)
	for _, sc := range scored[:n] {
		out = append(out, Match{
			CandidateID: sc.candidate.UserID,
			Rationale:   rationale(want, sc),
			Score:       math.Round(sc.score*1000) / 1000,
		})
	}
	return out, nil
}

func (r *WeightedRanker) score(want []string, c *models.Candidate) scoredCandidate {
	have := make(map[string]bool, len(c.SkillTags))
	for _, tag := range models.NormalizeTags(c.SkillTags) {
		have[tag] = true
	}
	sc := scoredCandidate{candidate: c, overlap: 1}
	if len(want) > 0 {
		for _, tag := range want {
			if have[tag] {
				sc.matched = append(sc.matched, tag)
			}
		}
		sc.overlap = float64(len(sc.matched)) / float64(len(want))
	}
	sc.hours = max(c.HoursAvailable, 0)
	sc.perf = math.Min(math.Max(c.Performance, 0), 100)

	w := r.Weights
	sc.score = w.Skill*sc.overlap +
		w.Availability*math.Min(sc.hours/w.ReferenceHours, 1) +
		w.Performance*(sc.perf/100)
	return sc
}

func rationale(want []string, sc scoredCandidate) string {
	var b strings.Builder
	if len(want) == 0 {
		b.WriteString("no skills required")
	} else {
		fmt.Fprintf(&b, "skills %d/%d", len(sc.matched), len(want))
		if len(sc.matched) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(sc.matched, ", "))
		}
	}
	fmt.Fprintf(&b, "; %.0fh available; performance %.0f", sc.hours, sc.perf)
	return b.String()
}

// ---------------------------------------------------------------------------
// Oracle ranker
// ---------------------------------------------------------------------------

// OracleRanker delegates ranking to an external oracle and trusts nothing in
// its answer until validated.
type OracleRanker struct {
	Oracle    RankingOracle
	Validator *Validator
	K         int
}

func NewOracleRanker(oracle RankingOracle, validator *Validator, k int) *OracleRanker {
	if k <= 0 {
		k = 3
	}
	return &OracleRanker{Oracle: oracle, Validator: validator, K: k}
}

type oracleTask struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	SkillTags          []string   `json:"skill_tags"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	Kind               string     `json:"kind"`
}

type oracleCandidate struct {
	UserID         string   `json:"user_id"`
	Name           string   `json:"name"`
	SkillTags      []string `json:"skill_tags"`
	HoursAvailable float64  `json:"hours_available"`
	Performance    float64  `json:"performance"`
}

type oracleRankRequest struct {
	Task       oracleTask        `json:"task"`
	Candidates []oracleCandidate `json:"candidates"`
	Limit      int               `json:"limit"`
}

func (r *OracleRanker) Rank(ctx context.Context, task *models.Task, pool []*models.Candidate) ([]Match, error) {
	req := oracleRankRequest{
		Task: oracleTask{
			ID:                 task.ID.String(),
			Title:              task.Title,
			Description:        task.Description,
			SkillTags:          task.SkillTags,
			Deadline:           task.Deadline,
			AcceptanceCriteria: task.AcceptanceCriteria,
			Kind:               string(task.Kind),
		},
		Limit: r.K,
	}
	known := make(map[string]bool, len(pool))
	for _, c := range pool {
		known[c.UserID] = true
		req.Candidates = append(req.Candidates, oracleCandidate{
			UserID:         c.UserID,
			Name:           c.Name,
			SkillTags:      c.SkillTags,
			HoursAvailable: c.HoursAvailable,
			Performance:    c.Performance,
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal rank request: %w", err)
	}

	raw, err := r.Oracle.RankCandidates(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("%w: rank candidates: %v", ErrExternalService, err)
	}

	resp, err := r.Validator.ValidateRankResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMatch, err)
	}

	seen := make(map[string]bool, len(resp.Matches))
	var out []Match
	for _, e := range resp.Matches {
		id := strings.TrimSpace(e.CandidateID)
		if !known[id] || seen[id] || strings.TrimSpace(e.Rationale) == "" {
			continue
		}
		seen[id] = true
		m := Match{CandidateID: id, Rationale: strings.TrimSpace(e.Rationale)}
		if e.Score != nil {
			m.Score = *e.Score
		}
		out = append(out, m)
		if len(out) == r.K {
			break
		}
	}
	if len(out) == 0 {
		return nil, ErrNoMatch
	}
	return out, nil
}

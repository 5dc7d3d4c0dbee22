package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskrelay/backend/internal/models"
)

const requestTimeout = 10 * time.Second

// GitHubProvider reads check runs and commit statuses from the GitHub REST API.
type GitHubProvider struct {
	APIURL     string
	Token      string
	HTTPClient *http.Client
}

func NewGitHubProvider(apiURL, token string) *GitHubProvider {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	return &GitHubProvider{
		APIURL:     strings.TrimRight(apiURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

// Status resolves ref to a commit-ish and aggregates its CI state. Check runs
// win over legacy commit statuses when both exist.
func (p *GitHubProvider) Status(ctx context.Context, ref string) (models.CIState, error) {
	target, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	sha, err := p.resolve(ctx, target)
	if err != nil {
		return "", err
	}

	var runs struct {
		TotalCount int `json:"total_count"`
		CheckRuns  []struct {
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_runs"`
	}
	if err := p.get(ctx, repoPath(target, "commits", sha, "check-runs"), &runs); err != nil {
		return "", err
	}
	if runs.TotalCount > 0 {
		states := make([]models.CIState, 0, len(runs.CheckRuns))
		for _, r := range runs.CheckRuns {
			states = append(states, CheckRunState(r.Status, r.Conclusion))
		}
		return Aggregate(states), nil
	}

	var combined struct {
		State      string `json:"state"`
		TotalCount int    `json:"total_count"`
	}
	if err := p.get(ctx, repoPath(target, "commits", sha, "status"), &combined); err != nil {
		return "", err
	}
	if combined.TotalCount == 0 {
		return models.CIStatePending, nil
	}
	return models.CIState(combined.State), nil
}

// resolve returns the commit-ish to query for target.
func (p *GitHubProvider) resolve(ctx context.Context, t Target) (string, error) {
	switch {
	case t.Commit != "":
		return t.Commit, nil
	case t.Branch != "":
		return t.Branch, nil
	case t.PullRequest != 0:
		var pr struct {
			Head struct {
				SHA string `json:"sha"`
			} `json:"head"`
		}
		if err := p.get(ctx, repoPath(t, "pulls", fmt.Sprint(t.PullRequest)), &pr); err != nil {
			return "", err
		}
		return pr.Head.SHA, nil
	default:
		var repo struct {
			DefaultBranch string `json:"default_branch"`
		}
		if err := p.get(ctx, repoPath(t), &repo); err != nil {
			return "", err
		}
		return repo.DefaultBranch, nil
	}
}

func repoPath(t Target, parts ...string) string {
	segs := []string{"repos", url.PathEscape(t.Owner), url.PathEscape(t.Repo)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return "/" + strings.Join(segs, "/")
}

func (p *GitHubProvider) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.APIURL+path, nil)
	if err != nil {
		return fmt.Errorf("create github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("github %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode github %s: %w", path, err)
	}
	return nil
}

// CheckRunState maps a GitHub check run or workflow run status/conclusion pair.
func CheckRunState(status, conclusion string) models.CIState {
	switch status {
	case "completed":
		switch conclusion {
		case "success", "neutral", "skipped":
			return models.CIStateSuccess
		case "failure", "timed_out", "action_required":
			return models.CIStateFailure
		default:
			return models.CIStateError
		}
	case "in_progress":
		return models.CIStateInProgress
	default:
		return models.CIStatePending
	}
}

// Aggregate folds several run states: any failure or error fails, anything
// unfinished keeps the whole pending, otherwise success.
func Aggregate(states []models.CIState) models.CIState {
	if len(states) == 0 {
		return models.CIStatePending
	}
	out := models.CIStateSuccess
	for _, s := range states {
		switch s {
		case models.CIStateFailure:
			return models.CIStateFailure
		case models.CIStateError:
			out = models.CIStateError
		case models.CIStatePending, models.CIStateInProgress:
			if out == models.CIStateSuccess {
				out = models.CIStateInProgress
			}
		}
	}
	return out
}

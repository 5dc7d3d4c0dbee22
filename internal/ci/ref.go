// Package ci resolves code submission references to CI states on GitHub and
// parses GitHub workflow_run webhook payloads.
package ci

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/taskrelay/backend/internal/models"
)

// ErrUnsupportedRef is returned for references that do not point at a GitHub repository.
var ErrUnsupportedRef = models.ErrUnsupportedRef

var (
	commitPattern = regexp.MustCompile(`github\.com/([^/\s]+)/([^/\s]+)/commit/([a-fA-F0-9]{7,40})`)
	pullPattern   = regexp.MustCompile(`github\.com/([^/\s]+)/([^/\s]+)/pull/(\d+)`)
	treePattern   = regexp.MustCompile(`github\.com/([^/\s]+)/([^/\s]+)/tree/([^\s?#]+)`)
	repoPattern   = regexp.MustCompile(`github\.com/([^/\s]+)/([^/\s?#]+)`)
)

// Target is a parsed submission reference. Exactly one of Commit,
// PullRequest or Branch is set, or none for a bare repository URL.
type Target struct {
	Owner       string
	Repo        string
	Commit      string
	PullRequest int
	Branch      string
}

func (t Target) String() string {
	switch {
	case t.Commit != "":
		return fmt.Sprintf("%s/%s@%s", t.Owner, t.Repo, t.Commit)
	case t.PullRequest != 0:
		return fmt.Sprintf("%s/%s#%d", t.Owner, t.Repo, t.PullRequest)
	case t.Branch != "":
		return fmt.Sprintf("%s/%s:%s", t.Owner, t.Repo, t.Branch)
	default:
		return t.Owner + "/" + t.Repo
	}
}

// ParseRef parses commit, pull request, branch and repository URLs.
func ParseRef(ref string) (Target, error) {
	if m := commitPattern.FindStringSubmatch(ref); m != nil {
		return Target{Owner: m[1], Repo: m[2], Commit: m[3]}, nil
	}
	if m := pullPattern.FindStringSubmatch(ref); m != nil {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
		}
		return Target{Owner: m[1], Repo: m[2], PullRequest: n}, nil
	}
	if m := treePattern.FindStringSubmatch(ref); m != nil {
		return Target{Owner: m[1], Repo: m[2], Branch: m[3]}, nil
	}
	if m := repoPattern.FindStringSubmatch(ref); m != nil {
		return Target{Owner: m[1], Repo: trimGitSuffix(m[2])}, nil
	}
	return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
}

func trimGitSuffix(repo string) string {
	if len(repo) > 4 && repo[len(repo)-4:] == ".git" {
		return repo[:len(repo)-4]
	}
	return repo
}

package envvault

import (
	"os/exec"
	"regexp"
	"strings"
)

var (
	gitOwnerRe = regexp.MustCompile(`github\.com[:/]([^/]+)`)
	gitRepoRe  = regexp.MustCompile(`/([^/]+?)(\.git)?$`)
)

// gitRemoteURL returns the origin remote URL for the working directory, or ""
// when there is no git repository or remote.
func (a *App) gitRemoteURL() string {
	if a.GitRemote != nil {
		return a.GitRemote()
	}
	cmd := exec.Command("git", "config", "--get", "remote.origin.url")
	cmd.Dir = a.CWD
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// gitOwner extracts the GitHub owner from a remote URL. Handles both SSH
// (git@github.com:owner/repo.git) and HTTPS (https://github.com/owner/repo.git).
func gitOwner(remoteURL string) string {
	m := gitOwnerRe.FindStringSubmatch(remoteURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// gitRepoName extracts the repository name from a GitHub remote URL.
func gitRepoName(remoteURL string) string {
	if !gitOwnerRe.MatchString(remoteURL) {
		return ""
	}
	m := gitRepoRe.FindStringSubmatch(remoteURL)
	if m == nil {
		return ""
	}
	return m[1]
}

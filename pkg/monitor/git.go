package monitor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"aieval/pkg/protocol"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// ExecGitRunner implements GitRunner using os/exec.
type ExecGitRunner struct{}

// Run executes a git command in the given directory and returns stdout and stderr.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}

// gitLogFormat yields hash, author, author time, commit time and subject.
const gitLogFormat = "--format=%H|%an|%at|%ct|%s"

// checkRepo fails with a *protocol.ExternalSourceError when dir is not inside
// a git work tree or git is unavailable.
func checkRepo(ctx context.Context, git GitRunner, dir string) error {
	out, stderr, err := git.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return &protocol.ExternalSourceError{Source: "git", Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr))}
	}
	if strings.TrimSpace(out) != "true" {
		return &protocol.ExternalSourceError{Source: "git", Err: fmt.Errorf("%s is not a git work tree", dir)}
	}
	return nil
}

// GitLog returns the commits of the repository at dir committed since the
// given time, newest first.
func GitLog(ctx context.Context, git GitRunner, dir string, since time.Time) ([]protocol.Commit, error) {
	out, stderr, err := git.Run(ctx, dir, "log", "--since="+since.UTC().Format(time.RFC3339), gitLogFormat)
	if err != nil {
		return nil, &protocol.ExternalSourceError{Source: "git", Err: fmt.Errorf("git log: %w: %s", err, strings.TrimSpace(stderr))}
	}
	return parseGitLog(out)
}

func parseGitLog(out string) ([]protocol.Commit, error) {
	var commits []protocol.Commit
	for line := range strings.SplitSeq(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 5)
		if len(parts) < 4 {
			return nil, fmt.Errorf("parse git log line %q: expected hash|author|author time|commit time|subject", line)
		}
		authored, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse author time of %s: %w", parts[0], err)
		}
		committed, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse commit time of %s: %w", parts[0], err)
		}
		c := protocol.Commit{
			Hash:        parts[0],
			Author:      parts[1],
			AuthoredAt:  time.Unix(authored, 0).UTC(),
			CommittedAt: time.Unix(committed, 0).UTC(),
		}
		if len(parts) == 5 {
			c.Subject = parts[4]
		}
		commits = append(commits, c)
	}
	return commits, nil
}

package git

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/mod/semver"
)

// Repo wraps a Git repository.
type Repo struct {
	repo *git.Repository
}

// Open opens the Git repository containing dir, which may be a sub-folder of the working tree, as
// is the case for Go modules nested within a larger repository.
func Open(dir string) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("unable to open Git repository at %q: %w", dir, err)
	}
	return &Repo{
		repo: repo,
	}, nil
}

// VersionTags returns the SemVer tags associated with the current HEAD revision on the repo, highest
// version first.  Both annotated and lightweight tags are considered.
func (r *Repo) VersionTags() (tags []string, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("error inspecting Git repository: %w", err)
		}
	}()

	head, err := r.repo.Head()
	if err != nil {
		return nil, err
	}
	hh := head.Hash()

	it, err := r.repo.Tags()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	err = it.ForEach(func(ref *plumbing.Reference) error {
		tag := strings.TrimPrefix(ref.Name().String(), "refs/tags/")
		if !semver.IsValid(tag) {
			return nil
		}
		target := ref.Hash()
		// annotated tags point at a tag object rather than the commit itself
		obj, err := r.repo.TagObject(target)
		switch {
		case err == nil:
			commit, err := obj.Commit()
			if err != nil {
				// tags of trees or blobs can't mark a module version
				return nil
			}
			target = commit.Hash
		case !errors.Is(err, plumbing.ErrObjectNotFound):
			return err
		}
		if target == hh {
			seen[tag] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for t := range seen {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		return semver.Compare(tags[i], tags[j]) > 0
	})
	return tags, nil
}

// HeadCommit returns the hash and author of the current HEAD commit.
func (r *Repo) HeadCommit() (hash, author string, err error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("error inspecting Git repository: %w", err)
	}
	var c *object.Commit
	if c, err = r.repo.CommitObject(head.Hash()); err != nil {
		return "", "", fmt.Errorf("error reading HEAD commit: %w", err)
	}
	return c.Hash.String(), c.Author.Name, nil
}

package release

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// LatestTag returns the highest semantic-version tag in repo, or
// InitialVersion when there is none. Tags that are not versions are
// skipped.
func LatestTag(repo *git.Repository) (string, error) {
	v, _, err := LatestRelease(repo)
	return v, err
}

// LatestRelease is LatestTag that also returns the tag's ref name, which
// is empty when no release has been tagged yet.
func LatestRelease(repo *git.Repository) (version, tag string, err error) {
	iter, err := repo.Tags()
	if err != nil {
		return "", "", fmt.Errorf("listing tags: %w", err)
	}
	defer iter.Close()

	var best *semver.Version
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		v, err := semver.NewVersion(ref.Name().Short())
		if err != nil || v.Prerelease() != "" {
			return nil
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			tag = ref.Name().Short()
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("walking tags: %w", err)
	}
	if best == nil {
		return InitialVersion, "", nil
	}
	return best.String(), tag, nil
}

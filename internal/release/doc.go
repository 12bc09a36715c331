// Package release computes the next semantic version and changelog for a
// range of commits from their conventional-commit subjects.
package release

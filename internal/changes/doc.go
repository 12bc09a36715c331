// Package changes turns a source change into the set of affected projects.
//
// A Source produces a pipeline.ChangeSet for a base/head range, either from
// a local git repository or from the GitHub compare API. A Detector maps the
// ChangeSet onto the project graph: direct owners first, then every project
// that transitively depends on them.
package changes

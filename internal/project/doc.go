// Package project models the projects of a monorepo and how they relate.
//
// A Graph holds every project, the path prefix each one owns and the
// dependencies between them. Construction rejects cycles, unknown
// references and ambiguous roots with a pipeline.ConfigurationError, so a
// Graph that exists is always consistent.
//
// Ownership is segment aware: the root "apps/web" owns "apps/web/main.go"
// but not "apps/webhooks/main.go". When roots nest, the longest one wins.
package project

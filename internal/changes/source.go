package changes

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// Source computes the touched paths and commits between two revisions.
type Source interface {
	ChangeSet(ctx context.Context, base, head string) (pipeline.ChangeSet, error)
}

// ZeroSHA is the base git reports for a newly created branch.
const ZeroSHA = "0000000000000000000000000000000000000000"

// IsZeroRef reports whether ref means "no previous revision".
func IsZeroRef(ref string) bool {
	return ref == "" || strings.Trim(ref, "0") == ""
}

func splitMessage(msg string) (subject, body string) {
	msg = strings.TrimSpace(msg)
	subject, body, _ = strings.Cut(msg, "\n")
	return strings.TrimSpace(subject), strings.TrimSpace(body)
}

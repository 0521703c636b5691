package utils

import (
	"context"
)

type contextKey string

const ContextReviewerKey contextKey = "reviewer"

// AnonymousReviewer is recorded when a request does not name its reviewer.
const AnonymousReviewer = "anonymous"

func WithReviewer(ctx context.Context, reviewer string) context.Context {
	return context.WithValue(ctx, ContextReviewerKey, reviewer)
}

func GetReviewerFromContext(ctx context.Context) (string, bool) {
	reviewer := ctx.Value(ContextReviewerKey)
	reviewerStr, ok := reviewer.(string)
	return reviewerStr, ok && reviewerStr != ""
}

// ReviewerOrAnonymous never returns an empty name.
func ReviewerOrAnonymous(ctx context.Context) string {
	if reviewer, ok := GetReviewerFromContext(ctx); ok {
		return reviewer
	}
	return AnonymousReviewer
}

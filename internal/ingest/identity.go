package ingest

import (
	"context"
	"strings"

	"chatrelay/internal/storage"
)

// IdentityResolver decides the sender name recorded for a submission.
type IdentityResolver interface {
	Resolve(ctx context.Context, claimed string) (string, error)
}

// TrustClaimed accepts whatever name the client sends. An empty or blank
// claim becomes the anonymous sender.
type TrustClaimed struct{}

func (TrustClaimed) Resolve(_ context.Context, claimed string) (string, error) {
	if strings.TrimSpace(claimed) == "" {
		return storage.DefaultSenderName, nil
	}
	return claimed, nil
}

// Package publish renders report documents into delivery sinks: chat webhook
// cards, collaborative documents, and the ops alarm channel.
package publish

import (
	"context"
	"errors"

	"adpipeline/internal/report"
)

// ErrUnsupportedTarget marks a document target the backend cannot write to
// (wrong token type, missing permission grant). Not retryable.
var ErrUnsupportedTarget = errors.New("unsupported document target")

// Sink delivers one composed report.
type Sink interface {
	Publish(ctx context.Context, doc report.Document) error
}

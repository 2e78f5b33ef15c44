package pipeline

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MalformedTraceError rejects a whole ingestion batch before anything is
// persisted. The batch either violates span uniqueness or, under strict
// closure, references a parent that exists nowhere.
type MalformedTraceError struct {
	SpanID string // offending span, empty when the defect is batch-level
	Reason string
}

func (e MalformedTraceError) Error() string {
	if e.SpanID == "" {
		return fmt.Sprintf("pipeline: malformed trace: %s", e.Reason)
	}
	return fmt.Sprintf("pipeline: malformed trace: span %q: %s", e.SpanID, e.Reason)
}

// PartialIngestionError reports that persistence succeeded for some entities
// of a batch and failed for others. Successes are retained; there is no
// rollback. Callers retry by re-ingesting the batch, which upserts.
type PartialIngestionError struct {
	FailedIDs []uuid.UUID
	Err       error
}

func (e PartialIngestionError) Error() string {
	ids := make([]string, len(e.FailedIDs))
	for i, id := range e.FailedIDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("pipeline: %d entities failed to persist [%s]: %v",
		len(e.FailedIDs), strings.Join(ids, ", "), e.Err)
}

func (e PartialIngestionError) Unwrap() error { return e.Err }

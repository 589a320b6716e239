package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ProcessingOutcome string

const (
	OutcomeProcessed      ProcessingOutcome = "processed"
	OutcomeDuplicate      ProcessingOutcome = "duplicate"
	OutcomeFailed         ProcessingOutcome = "failed"
	OutcomeUnroutable     ProcessingOutcome = "unroutable"
	OutcomeRetried        ProcessingOutcome = "retried"
	OutcomeDeadLettered   ProcessingOutcome = "dead_lettered"
	OutcomeNotFound       ProcessingOutcome = "not_found"
	OutcomeAlreadyRevoked ProcessingOutcome = "already_revoked"
)

// ProcessingAudit records what a worker did with one delivery.
type ProcessingAudit struct {
	ID         string            `bson:"_id" json:"id"`
	Queue      string            `bson:"queue" json:"queue"`
	RoutingKey string            `bson:"routing_key" json:"routingKey"`
	Outcome    ProcessingOutcome `bson:"outcome" json:"outcome"`
	Error      string            `bson:"error,omitempty" json:"error,omitempty"`
	Timestamp  time.Time         `bson:"timestamp" json:"timestamp"`
	Metadata   map[string]any    `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

type AuditSink interface {
	Record(ctx context.Context, entry *ProcessingAudit) error
}

func NewProcessingAudit(queue, routingKey string, outcome ProcessingOutcome, err error) *ProcessingAudit {
	entry := &ProcessingAudit{
		ID:         uuid.NewString(),
		Queue:      queue,
		RoutingKey: routingKey,
		Outcome:    outcome,
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	return entry
}

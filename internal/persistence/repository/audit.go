package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/persistence/db"
)

const auditRetention = 90 * 24 * 60 * 60

// ProcessingAuditRepository stores processing audits in MongoDB.
type ProcessingAuditRepository struct {
	db *mongo.Database
}

func NewProcessingAuditRepository(database *mongo.Database) *ProcessingAuditRepository {
	return &ProcessingAuditRepository{db: database}
}

func (r *ProcessingAuditRepository) Record(ctx context.Context, entry *domain.ProcessingAudit) error {
	collection := r.db.Collection(db.ProcessingAuditCollection)

	_, err := collection.InsertOne(ctx, entry)
	return err
}

func (r *ProcessingAuditRepository) EnsureIndexes(ctx context.Context) error {
	collection := r.db.Collection(db.ProcessingAuditCollection)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "queue", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "outcome", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(auditRetention),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// logAuditSink is used when no MongoDB is configured.
type logAuditSink struct {
	logger logging.Logger
}

func NewLogAuditSink(logger logging.Logger) domain.AuditSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &logAuditSink{logger: logger}
}

func (s *logAuditSink) Record(_ context.Context, entry *domain.ProcessingAudit) error {
	extra := map[logging.ExtraKey]any{
		logging.Queue:      entry.Queue,
		logging.RoutingKey: entry.RoutingKey,
	}
	if entry.Error != "" {
		extra[logging.ErrorMessage] = entry.Error
	}
	s.logger.Warn(logging.Worker, logging.Dispatch, "message "+string(entry.Outcome), extra)
	return nil
}

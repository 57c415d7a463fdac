package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"fitpipe/internal/domain"
)

// jobDocument is the MongoDB shape of a job record. Payload and result keep
// the caller's JSON text verbatim; decoding it as a document would let keys
// such as "$date" or "$oid" turn into BSON types.
type jobDocument struct {
	ID           string    `bson:"_id"`
	Type         string    `bson:"jobType"`
	Status       string    `bson:"status"`
	Payload      string    `bson:"payload"`
	Result       string    `bson:"result,omitempty"`
	ErrorMessage string    `bson:"error,omitempty"`
	WebhookURL   string    `bson:"webhookUrl,omitempty"`
	BusinessID   string    `bson:"businessId"`
	CustomerID   string    `bson:"customerId"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

// JobRepositoryMongo implements domain.JobRepository on a MongoDB collection.
// Transitions use FindOneAndUpdate filtered on the allowed prior states.
type JobRepositoryMongo struct {
	col *mongo.Collection
}

func NewJobRepositoryMongo(col *mongo.Collection) *JobRepositoryMongo {
	return &JobRepositoryMongo{col: col}
}

// ConnectMongo establishes a connection to MongoDB and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("create mongo client: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// JobsCollection returns the jobs collection of database.
func JobsCollection(client *mongo.Client, database string) *mongo.Collection {
	return client.Database(database).Collection("jobs")
}

func (r *JobRepositoryMongo) Create(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	doc := newJobDocument(job, now)
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = domain.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (r *JobRepositoryMongo) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var doc jobDocument
	if err := r.col.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find job: %w", err)
	}
	return doc.toDomain()
}

func (r *JobRepositoryMongo) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, result json.RawMessage, errMsg string) (*domain.Job, error) {
	from := make([]string, 0, 2)
	for _, s := range domain.FromStates(status) {
		from = append(from, string(s))
	}
	set := bson.M{"status": string(status), "updatedAt": time.Now().UTC()}
	unset := bson.M{}
	switch status {
	case domain.JobStatusCompleted:
		set["result"] = string(result)
		unset["error"] = ""
	case domain.JobStatusFailed:
		set["error"] = errMsg
		unset["result"] = ""
	default:
		unset["result"] = ""
		unset["error"] = ""
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	filter := bson.M{"_id": jobID, "status": bson.M{"$in": from}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc jobDocument
	err := r.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toDomain()
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	current, getErr := r.GetByID(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	return current, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, status)
}

func newJobDocument(job *domain.Job, now time.Time) jobDocument {
	return jobDocument{
		ID:         job.ID,
		Type:       string(job.Type),
		Status:     string(domain.JobStatusQueued),
		Payload:    string(job.Payload),
		WebhookURL: job.WebhookURL,
		BusinessID: job.BusinessID,
		CustomerID: job.CustomerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (d jobDocument) toDomain() (*domain.Job, error) {
	var payload, result json.RawMessage
	if d.Payload != "" {
		payload = json.RawMessage(d.Payload)
	}
	if d.Result != "" {
		result = json.RawMessage(d.Result)
	}
	return &domain.Job{
		ID:           d.ID,
		Type:         domain.JobType(d.Type),
		Status:       domain.JobStatus(d.Status),
		Payload:      payload,
		Result:       result,
		ErrorMessage: d.ErrorMessage,
		WebhookURL:   d.WebhookURL,
		BusinessID:   d.BusinessID,
		CustomerID:   d.CustomerID,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}, nil
}

var _ domain.JobRepository = (*JobRepositoryMongo)(nil)

package repo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"fitpipe/internal/domain"
)

func TestJobDocumentToDomainKeepsJSON(t *testing.T) {
	job := &domain.Job{
		ID:         "job-1",
		Type:       domain.JobTypeRunPrediction,
		Payload:    json.RawMessage(`{"gender":"female","height_cm":170.5,"front_image":{"url":"https://cdn.example.com/f.jpg"}}`),
		BusinessID: "biz",
	}
	got, err := newJobDocument(job, time.Now()).toDomain()
	require.NoError(t, err)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Nil(t, got.Result)
}

func TestJobDocumentBSONRoundTripIsLossless(t *testing.T) {
	payload := `{"meta":{"$date":"2026-01-01T00:00:00Z","$oid":"not-an-id"},"big":9007199254740993,"height_cm":170.50}`
	doc := newJobDocument(&domain.Job{ID: "job-2", Type: domain.JobTypeAvatar, Payload: json.RawMessage(payload)}, time.Now().UTC())
	doc.Result = `{"values":[{"$numberLong":"1"}]}`

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var back jobDocument
	require.NoError(t, bson.Unmarshal(raw, &back))

	job, err := back.toDomain()
	require.NoError(t, err)
	assert.Equal(t, payload, string(job.Payload))
	assert.Equal(t, `{"values":[{"$numberLong":"1"}]}`, string(job.Result))
}

package pipeline

import (
	"encoding/json"

	"github.com/loqalabs/loqa-speech/internal/eventstore"
)

// Record converts r into its stored form. The stored document is the JSON
// returned to callers.
func (r *Result) Record() (eventstore.Analysis, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return eventstore.Analysis{}, err
	}
	a := eventstore.Analysis{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Status:       r.Status,
		Category:     r.Category.String(),
		ModelVersion: r.ModelVersion,
		Result:       data,
		CreatedAt:    r.CreatedAt,
	}
	if r.Feedback != nil {
		a.OverallScore = r.Feedback.Overall.Score
		a.Passed = r.Feedback.Overall.Passed
	}
	return a, nil
}

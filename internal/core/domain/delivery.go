package domain

import "time"

// JobState is the lifecycle of a delivery job:
// enqueued -> attempting -> delivered | retrying -> attempting ... | failed
type JobState string

const (
	JobStateEnqueued   JobState = "enqueued"
	JobStateAttempting JobState = "attempting"
	JobStateRetrying   JobState = "retrying"
	JobStateDelivered  JobState = "delivered"
	JobStateFailed     JobState = "failed"
)

// DeliveryJob is one pending POST of a signed envelope to one subscriber
type DeliveryJob struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"` // eventType:subscriptionId
	AccountID      string    `json:"accountId"`
	SubscriptionID string    `json:"subscriptionId"`
	EventType      string    `json:"eventType"`
	TargetURL      string    `json:"targetUrl"`
	Body           []byte    `json:"body"`
	Signature      string    `json:"signature,omitempty"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"maxAttempts"`
	State          JobState  `json:"state"`
	LastError      string    `json:"lastError,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	NextAttemptAt  time.Time `json:"nextAttemptAt,omitempty"`
	FinishedAt     time.Time `json:"finishedAt,omitempty"`
}

// JobName builds the observability label of a delivery job
func JobName(eventType, subscriptionID string) string {
	return eventType + ":" + subscriptionID
}

// QueueStats is a point-in-time view of the delivery queue
type QueueStats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Failed     int64 `json:"failed"`
}

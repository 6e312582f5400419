package domain

import (
	"encoding/json"
	"fmt"
)

// QueueMessage is the dispatch payload. It carries only the job id; workers
// re-read the job from the store.
type QueueMessage struct {
	JobID   JobID `json:"job_id"`
	Attempt int   `json:"attempt"`
}

func (m QueueMessage) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeQueueMessage(raw string) (QueueMessage, error) {
	var msg QueueMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return QueueMessage{}, fmt.Errorf("decode queue message: %w", err)
	}
	if msg.JobID == "" {
		return QueueMessage{}, fmt.Errorf("decode queue message: missing job_id")
	}
	return msg, nil
}

// Delivery is a dequeued message plus the raw payload needed to ack it.
type Delivery struct {
	Message QueueMessage
	Raw     string
}

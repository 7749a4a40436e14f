package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkItemVersion tags queue payloads so the schema can evolve without
// breaking in-flight items.
const WorkItemVersion = 1

// WorkItem is the dispatch-queue payload. Attempt distinguishes first
// deliveries (0), which must win the pending->processing claim, from retry
// and recovery redeliveries (>0), which renew the processing lease instead.
type WorkItem struct {
	Version       int       `json:"version"`
	JobID         string    `json:"jobId"`
	SourceLocator string    `json:"sourceLocator"`
	TargetFormat  string    `json:"targetFormat"`
	Attempt       int       `json:"attempt"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

func EncodeWorkItem(item WorkItem) (string, error) {
	item.Version = WorkItemVersion
	raw, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode work item: %w", err)
	}
	return string(raw), nil
}

func DecodeWorkItem(raw string) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return WorkItem{}, fmt.Errorf("decode work item: %w", err)
	}
	if item.Version != WorkItemVersion {
		return WorkItem{}, fmt.Errorf("unsupported work item version %d", item.Version)
	}
	return item, nil
}

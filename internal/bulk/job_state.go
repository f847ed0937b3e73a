package bulk

import (
	"encoding/xml"
	"fmt"
	"slices"
)

// BatchInfo is the state of one Bulk API batch.
type BatchInfo struct {
	ID           string `xml:"id"`
	State        string `xml:"state"`
	StateMessage string `xml:"stateMessage"`
	Processed    int    `xml:"numberRecordsProcessed"`
	Failed       int    `xml:"numberRecordsFailed"`
}

type batchInfoList struct {
	Batches []BatchInfo `xml:"batchInfo"`
}

// JobStateFromBatches derives the job outcome from its batches:
//
//   - any "Not Processed" batch: Aborted
//   - any InProgress or Queued batch: In progress
//   - any Failed batch: Job failure, carrying every state message
//   - any failed record: Row failure
//   - otherwise Success
//
// Record counts are summed over all batches.
func JobStateFromBatches(batches []BatchInfo) JobResult {
	var (
		states   []string
		messages []string
		res      JobResult
	)
	for _, b := range batches {
		states = append(states, b.State)
		if b.StateMessage != "" {
			messages = append(messages, b.StateMessage)
		}
		res.RecordsProcessed += b.Processed
		res.TotalRowErrors += b.Failed
	}

	switch {
	case slices.Contains(states, "Not Processed"):
		res.Status = StatusAborted
	case slices.Contains(states, "InProgress") || slices.Contains(states, "Queued"):
		res.Status = StatusInProgress
	case slices.Contains(states, "Failed"):
		res.Status = StatusJobFailure
		res.JobErrors = messages
	case res.TotalRowErrors > 0:
		res.Status = StatusRowFailure
	default:
		res.Status = StatusSuccess
	}
	return res
}

// ParseJobState decodes a Bulk API batchInfoList document.
func ParseJobState(doc []byte) (JobResult, []BatchInfo, error) {
	var list batchInfoList
	if err := xml.Unmarshal(doc, &list); err != nil {
		return JobResult{}, nil, fmt.Errorf("bulk: parse batch list: %w", err)
	}
	return JobStateFromBatches(list.Batches), list.Batches, nil
}

package models

// ItemPayload is carried by ItemCompleted and ItemFailed events.
type ItemPayload struct {
	ComponentRef string    `json:"component_ref"`
	PartNumber   string    `json:"part_number,omitempty"`
	Index        int       `json:"index"`
	EntryID      string    `json:"entry_id,omitempty"`
	ErrorType    ErrorType `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// ItemCommit is the durable outcome of one dispatched item. Backends apply
// the counter delta, the error queue upsert and the progress event in a
// single transaction.
type ItemCommit struct {
	JobID string
	// Cursor is the processed count the job must still have when the commit
	// lands. A job that moved on is rejected with ErrCursorMoved.
	Cursor int
	Item   Item
	// Failure is set when enrichment of the item failed.
	Failure *FailureRecord
}

func (c ItemCommit) Delta() CounterDelta {
	d := CounterDelta{Processed: 1, Label: c.Item.DisplayLabel()}
	if c.Failure != nil {
		d.Failed = 1
	} else {
		d.Succeeded = 1
	}
	return d
}

func (c ItemCommit) EventType() EventType {
	if c.Failure != nil {
		return EventItemFailed
	}
	return EventItemCompleted
}

// Event builds the item event from the job as updated by the commit and the
// error entry recorded for a failed item.
func (c ItemCommit) Event(job Job, entry *ErrorEntry) (ProgressEvent, error) {
	payload := ItemPayload{ComponentRef: c.Item.ComponentRef, PartNumber: c.Item.PartNumber, Index: c.Cursor}
	if entry != nil {
		payload.EntryID = entry.ID
		payload.ErrorType = entry.ErrorType
		payload.ErrorMessage = entry.ErrorMessage
	}
	return NewEvent(job, c.EventType(), payload)
}

package models

import "time"

// HistoryEntry records one finished job. Entries are appended by the job
// controller when a job reaches a terminal state.
type HistoryEntry struct {
	ID         uint64     `json:"id" boltholdKey:"ID"`
	JobID      string     `json:"job_id" boltholdIndex:"JobID"`
	URL        string     `json:"url"`
	Title      string     `json:"title,omitempty"`
	Mode       OutputMode `json:"mode"`
	Variant    string     `json:"variant,omitempty"`
	Output     string     `json:"output,omitempty"`
	Bytes      int64      `json:"bytes,omitempty"`
	State      JobState   `json:"state"`
	Cause      string     `json:"cause,omitempty"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}

// NewHistoryEntry builds the history record of a finished job
func NewHistoryEntry(st JobStatus) *HistoryEntry {
	entry := &HistoryEntry{
		JobID:     st.ID,
		URL:       st.URL,
		Title:     st.Title,
		Mode:      st.Mode,
		Variant:   st.Variant,
		Output:    st.Output,
		Bytes:     st.Bytes,
		State:     st.State,
		Cause:     st.Error,
		ErrorKind: st.ErrorKind,
	}
	if st.FinishedAt != nil {
		entry.FinishedAt = *st.FinishedAt
	} else {
		entry.FinishedAt = time.Now()
	}
	return entry
}

package audit

import "time"

// Record is one immutable access decision in the audit trail.
type Record struct {
	ID         string     `json:"id"`
	TenantID   int64      `json:"tenant_id"`
	SubjectID  *int64     `json:"subject_id,omitempty"`
	PointCode  string     `json:"point_code"`
	Direction  string     `json:"direction"`
	Granted    bool       `json:"granted"`
	Reason     string     `json:"reason"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// TimelineFilters narrows a trail query. Zero values mean "no filter".
type TimelineFilters struct {
	TenantID  int64
	From      time.Time
	To        time.Time
	PointCode string
	SubjectID *int64
	Granted   *bool
	Page      int
	PageSize  int
}

// PagingInfo describes the window returned by Timeline.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result bundles timeline rows with paging information.
type Result struct {
	Rows   []Record   `json:"rows"`
	Paging PagingInfo `json:"paging"`
}

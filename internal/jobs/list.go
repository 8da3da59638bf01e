package jobs

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// JobFilter selects a page of jobs. Cursor is the id of the last job of the
// previous page.
type JobFilter struct {
	TenantID string
	Type     string
	Status   Status
	Cursor   string
	Limit    int
}

// ItemFilter selects a page of a job's items.
type ItemFilter struct {
	JobID  string
	Status ItemStatus
	Cursor string
	Limit  int
}

// PageLimit clamps a requested page size to 1..100, defaulting to 20.
func PageLimit(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return clamp(n, 1, MaxPageSize)
}

// Page is one page of results plus the cursor for the next one, empty when
// there are no more rows.
type Page[T any] struct {
	Rows       []T    `json:"rows"`
	NextCursor string `json:"next_cursor,omitempty"`
}

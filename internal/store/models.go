package store

// Pipeline is the canonical fact row for one CI run on the forge.
// FinishedAt, Duration, and WebURL are nil when the forge has not reported
// them; Duration, when set, is positive.
type Pipeline struct {
	ID              int64   `db:"id"`
	ProjectID       int64   `db:"project_id"`
	ProjectName     string  `db:"project_name"`
	ProjectFullPath string  `db:"project_full_path"`
	RefName         string  `db:"ref_name"`
	UserName        string  `db:"user_name"`
	SHA             string  `db:"sha"`
	Status          string  `db:"status"`
	CreatedAt       int64   `db:"created_at"`
	FinishedAt      *int64  `db:"finished_at"`
	Duration        *int64  `db:"duration"`
	WebURL          *string `db:"web_url"`
}

// SummaryStat answers /api/stats/summary.
type SummaryStat struct {
	TotalCount  int64   `db:"total_count" json:"total_count"`
	AvgDuration float64 `db:"avg_duration" json:"avg_duration"`
	SuccessRate float64 `db:"success_rate" json:"success_rate"`
}

// ProjectStat is one row of /api/stats/projects.
type ProjectStat struct {
	ProjectName     string  `db:"project_name" json:"project_name"`
	ProjectFullPath string  `db:"project_full_path" json:"project_full_path"`
	Count           int64   `db:"count" json:"count"`
	AvgDuration     float64 `db:"avg_duration" json:"avg_duration"`
	LastStatus      string  `db:"last_status" json:"last_status"`
}

// TrendPoint is one (day, status) bucket of /api/stats/trend.
type TrendPoint struct {
	Date   string `db:"date" json:"date"`
	Status string `db:"status" json:"status"`
	Count  int64  `db:"count" json:"count"`
}

// UsernameCandidate is one fact row awaiting user-name enrichment.
type UsernameCandidate struct {
	ID        int64 `db:"id"`
	ProjectID int64 `db:"project_id"`
}

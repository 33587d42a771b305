package domain

import "time"

// Task statuses. Transitions are monotonic: pending -> running -> succeeded|failed.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// Task is one unit of asynchronous work submitted to the generation provider.
//
// Fields:
//   - TaskNo: public identifier handed to clients (primary key).
//   - TaskID: provider job id; nil until the provider accepts the job.
//   - UserID: owner; nil for guest submissions.
//   - Credits: amount charged (or to be charged for a pending task).
//   - ResultURL / OriginResultURL: durable copy and provider fallback URL.
//   - ProviderState: last raw state label seen from the provider.
type Task struct {
	TaskNo           string     `json:"task_no"            gorm:"type:char(36);primaryKey"`
	TaskID           *string    `json:"task_id,omitempty"  gorm:"type:varchar(128);uniqueIndex:ux_tasks_provider_id"`
	UserID           *string    `json:"user_id,omitempty"  gorm:"type:varchar(64);index:idx_tasks_user,priority:1"`
	Status           string     `json:"status"             gorm:"type:varchar(16);not null;index;check:chk_task_status,status IN ('pending','running','succeeded','failed')"`
	Model            string     `json:"model"              gorm:"type:varchar(128);not null"`
	Credits          int64      `json:"credits"            gorm:"not null;default:0"`
	EstimatedStartAt *time.Time `json:"estimated_start_at,omitempty"`
	InputParams      string     `json:"input_params"       gorm:"type:text"`
	RequestParam     string     `json:"request_param"      gorm:"type:text"`
	ResultData       string     `json:"result_data,omitempty"       gorm:"type:text"`
	ResultURL        string     `json:"result_url,omitempty"        gorm:"type:text"`
	OriginResultURL  string     `json:"origin_result_url,omitempty" gorm:"type:text"`
	FailReason       string     `json:"fail_reason,omitempty"       gorm:"type:text"`
	ProviderState    string     `json:"provider_state,omitempty"    gorm:"type:varchar(32)"`
	CreatedAt        time.Time  `json:"created_at"         gorm:"index:idx_tasks_user,priority:2"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name for Task.
func (Task) TableName() string { return "tasks" }

// Terminal reports whether the task has reached succeeded or failed.
func (t Task) Terminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed
}

// ProviderTaskID returns the provider job id or "" when not yet assigned.
func (t Task) ProviderTaskID() string {
	if t.TaskID == nil {
		return ""
	}
	return *t.TaskID
}

// Webhook processing results stored on WebhookLog.Result.
const (
	WebhookProcessed = "processed"
	WebhookIgnored   = "ignored"
	WebhookNotFound  = "not_found"
	WebhookMalformed = "malformed"
	WebhookError     = "error"
)

// WebhookLog durably records every provider callback together with the
// outcome of processing it.
type WebhookLog struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	ProviderTaskID string    `json:"provider_task_id" gorm:"type:varchar(128);index"`
	Payload        string    `json:"payload"          gorm:"type:text;not null"`
	Result         string    `json:"result"           gorm:"type:varchar(16);not null"`
	Error          string    `json:"error,omitempty"  gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"       gorm:"index"`
}

// TableName returns the database table name for WebhookLog.
func (WebhookLog) TableName() string { return "webhook_logs" }

// OrphanedJob records a provider job that was accepted but whose task row and
// credit deduction could not be committed. Rows are resolved by operators.
type OrphanedJob struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	ProviderTaskID string    `json:"provider_task_id" gorm:"type:varchar(128);not null;uniqueIndex"`
	TaskNo         string    `json:"task_no"          gorm:"type:char(36);not null"`
	UserID         string    `json:"user_id"          gorm:"type:varchar(64)"`
	Credits        int64     `json:"credits"`
	Reason         string    `json:"reason"           gorm:"type:text"`
	Resolved       bool      `json:"resolved"         gorm:"not null;default:false"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for OrphanedJob.
func (OrphanedJob) TableName() string { return "orphaned_jobs" }

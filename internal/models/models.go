package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobAccepted  JobStatus = "ACCEPTED"
	JobRejected  JobStatus = "REJECTED"
	JobCancelled JobStatus = "CANCELLED"
	JobCompleted JobStatus = "COMPLETED"
)

// Job is a transport request. AssignedWorkerID is empty until the job is
// accepted; Version is the optimistic-concurrency guard for assignment.
type Job struct {
	ID               string    `json:"id"`
	Status           JobStatus `json:"status"`
	AssignedWorkerID string    `json:"assigned_worker_id,omitempty"`
	Version          int64     `json:"version"`
	Pickup           Coord     `json:"pickup"`
	Drop             Coord     `json:"drop"`
	PickupAddress    string    `json:"pickup_address,omitempty"`
	DropAddress      string    `json:"drop_address,omitempty"`
	RequestedTime    time.Time `json:"requested_time"`
	RequesterID      string    `json:"requester_id"`
	RequesterName    string    `json:"requester_name,omitempty"`
	RequesterPhone   string    `json:"requester_phone,omitempty"`
	EstimatedFare    float64   `json:"estimated_fare,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Worker struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone,omitempty"`
	Vehicle     string    `json:"vehicle,omitempty"`
	IsAvailable bool      `json:"is_available"`
	IsOnline    bool      `json:"is_online"`
	IsVerified  bool      `json:"is_verified"`
	IsActive    bool      `json:"is_active"`
	Zones       []string  `json:"zones"`
	Loc         *Coord    `json:"loc,omitempty"` // nil when the position is unknown
	Rating      float64   `json:"rating"`        // 0..5
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Eligible reports whether the worker may be offered jobs at all.
func (w Worker) Eligible() bool {
	return w.IsAvailable && w.IsOnline && w.IsVerified && w.IsActive
}

// WorkerFilter narrows the eligible worker set. Empty fields do not filter.
type WorkerFilter struct {
	Zones      []string
	ExcludeIDs []string
}

type NotificationResponse string

const (
	ResponseNone     NotificationResponse = ""
	ResponseAccepted NotificationResponse = "ACCEPTED"
	ResponseRejected NotificationResponse = "REJECTED"
	ResponseTimeout  NotificationResponse = "TIMEOUT"
)

// Notification is one offer of one job to one worker.
type Notification struct {
	JobID       string               `json:"job_id"`
	WorkerID    string               `json:"worker_id"`
	SentAt      time.Time            `json:"sent_at"`
	Response    NotificationResponse `json:"response,omitempty"`
	RespondedAt *time.Time           `json:"responded_at,omitempty"`
}

func (n Notification) Pending() bool { return n.Response == ResponseNone }

// NotificationQuery selects notifications by send time, optionally for one worker.
type NotificationQuery struct {
	WorkerID string
	From     time.Time
	To       time.Time
}

type FinalStatus string

const (
	MatchingActive    FinalStatus = "ACTIVE"
	MatchingMatched   FinalStatus = "MATCHED"
	MatchingTimeout   FinalStatus = "TIMEOUT"
	MatchingCancelled FinalStatus = "CANCELLED"
)

type MatchingMetrics struct {
	JobID                string      `json:"job_id"`
	TotalWorkersNotified int         `json:"total_workers_notified"`
	FinalStatus          FinalStatus `json:"final_status"`
	AssignedWorkerID     string      `json:"assigned_worker_id,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	AcceptedAt           *time.Time  `json:"accepted_at,omitempty"`
	TimeToMatch          *float64    `json:"time_to_match,omitempty"` // seconds
}

// MetricsUpdate carries the terminal transition of a MatchingMetrics row.
type MetricsUpdate struct {
	FinalStatus      FinalStatus
	AssignedWorkerID string
	AcceptedAt       *time.Time
	TimeToMatch      *float64
}

type ResponseType string

const (
	ResponseAccept ResponseType = "ACCEPT"
	ResponseReject ResponseType = "REJECT"
)

// WorkerResponse is a worker's answer to a job offer.
type WorkerResponse struct {
	Type         ResponseType  `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	ResponseTime time.Duration `json:"response_time"`
}

type MessageType string

const (
	MessageJobOffer       MessageType = "JOB_OFFER"
	MessageJobAssigned    MessageType = "JOB_ASSIGNED"
	MessageWorkerAssigned MessageType = "WORKER_ASSIGNED"
	MessageJobTaken       MessageType = "JOB_TAKEN"
	MessageJobWithdrawn   MessageType = "JOB_WITHDRAWN"
)

// Message is the payload pushed to a worker or requester.
type Message struct {
	Type   MessageType    `json:"type"`
	JobID  string         `json:"job_id"`
	Data   map[string]any `json:"data,omitempty"`
	SentAt time.Time      `json:"sent_at"`
}

type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is an operator-facing escalation. JobID is empty for system alerts.
type Alert struct {
	JobID    string         `json:"job_id,omitempty"`
	Kind     string         `json:"kind"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	RaisedAt time.Time      `json:"raised_at"`
}

// LocationUpdate is a worker position report flowing through the ingest topic.
type LocationUpdate struct {
	WorkerID string    `json:"worker_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QuestionType selects answer validation and aggregation equality.
type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionRating         QuestionType = "rating"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionMatching       QuestionType = "matching"
	QuestionRankOrder      QuestionType = "rank_order"
	QuestionFillInBlank    QuestionType = "fill_in_blank"
)

// PollQuestion is one question of a poll definition.
type PollQuestion struct {
	ID       string          `json:"id"`
	Type     QuestionType    `json:"type"`
	Prompt   string          `json:"prompt"`
	Options  []string        `json:"options,omitempty"`
	Scale    int             `json:"scale,omitempty"`  // ratings are 1..Scale
	Blanks   int             `json:"blanks,omitempty"` // fill_in_blank only
	Required bool            `json:"required,omitempty"`
	Correct  json.RawMessage `json:"correct,omitempty"`
}

// Poll is a poll definition owned by a scheduled session.
type Poll struct {
	ID        uuid.UUID      `json:"id"`
	SessionID uuid.UUID      `json:"session_id"`
	Title     string         `json:"title"`
	Questions []PollQuestion `json:"questions"`
	CreatedBy *uuid.UUID     `json:"created_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Question returns the question with id, if any.
func (p *Poll) Question(id string) (PollQuestion, bool) {
	for _, q := range p.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return PollQuestion{}, false
}

// RunStatus is OPEN until stopped; CLOSED is terminal.
type RunStatus string

const (
	RunOpen   RunStatus = "OPEN"
	RunClosed RunStatus = "CLOSED"
)

// ShareMode controls when results are broadcast automatically.
type ShareMode string

const (
	ShareNever     ShareMode = "never"
	ShareOnStop    ShareMode = "onStop"
	ShareImmediate ShareMode = "immediate"
)

// ParseShareMode defaults an empty mode to never.
func ParseShareMode(s string) (ShareMode, bool) {
	switch ShareMode(s) {
	case "", ShareNever:
		return ShareNever, true
	case ShareOnStop, ShareImmediate:
		return ShareMode(s), true
	}
	return "", false
}

// RunSettings are chosen at launch.
type RunSettings struct {
	Anonymous    bool      `json:"anonymous"`
	ShareResults ShareMode `json:"share_results"`
}

// PollRun is one execution of a poll.
type PollRun struct {
	ID           uuid.UUID  `json:"id"`
	PollID       uuid.UUID  `json:"poll_id"`
	SessionID    uuid.UUID  `json:"session_id"`
	RunNumber    int        `json:"run_number"`
	Status       RunStatus  `json:"status"`
	Anonymous    bool       `json:"anonymous"`
	ShareResults ShareMode  `json:"share_results"`
	LaunchedBy   *uuid.UUID `json:"launched_by,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Answer is the value given to one question.
type Answer struct {
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`
}

// PollResponse is one identity's answers to one run.
type PollResponse struct {
	ID                uuid.UUID `json:"id"`
	RunID             uuid.UUID `json:"run_id"`
	ResponderIdentity string    `json:"responder"`
	ResponderName     string    `json:"responder_name,omitempty"`
	Answers           []Answer  `json:"answers"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// ValueCount is how many respondents gave one distinct value.
type ValueCount struct {
	Value json.RawMessage `json:"value"`
	Count int             `json:"count"`
}

// QuestionAggregate summarises one question of a run.
type QuestionAggregate struct {
	Total   int          `json:"total"`
	Counts  []ValueCount `json:"counts"`
	Correct *int         `json:"correct,omitempty"`
}

// Aggregate is the result of a run. It never carries respondent identities.
type Aggregate struct {
	PollID      uuid.UUID                    `json:"poll_id"`
	RunID       uuid.UUID                    `json:"run_id"`
	Respondents int                          `json:"respondents"`
	Questions   map[string]QuestionAggregate `json:"questions"`
}

package models

import "time"

// Candidate is a person who can be assigned tasks. Performance is 0–100, the
// running average over CompletedTasks scored completions.
type Candidate struct {
	UserID         string    `json:"user_id" yaml:"user_id"`
	Name           string    `json:"name" yaml:"name"`
	SkillTags      []string  `json:"skill_tags" yaml:"skill_tags"`
	HoursAvailable float64   `json:"hours_available" yaml:"hours_available"`
	Performance    float64   `json:"performance" yaml:"performance"`
	CompletedTasks int       `json:"completed_tasks" yaml:"completed_tasks"`
	LastActiveAt   time.Time `json:"last_active_at" yaml:"last_active_at"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
}

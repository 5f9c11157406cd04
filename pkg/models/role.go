package models

import "time"

// Role is a user-owned agent persona. Each role carries its own system
// prompt addendum, preferred model, and an isolated memory store.
type Role struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	JobDescription string    `json:"job_description,omitempty"`
	SystemPrompt   string    `json:"system_prompt,omitempty"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

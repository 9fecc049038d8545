package entities

import "time"

// Project is a tracked brand and the competitors it is compared against
type Project struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Brand       string    `json:"brand" db:"brand"`
	Domain      string    `json:"domain" db:"domain"`
	Competitors []string  `json:"competitors" db:"competitors"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Keyword is a question tracked for a project
type Keyword struct {
	ID        string    `json:"id" db:"id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	Query     string    `json:"query" db:"query"`
	Country   string    `json:"country,omitempty" db:"country"`
	Location  string    `json:"location,omitempty" db:"location"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

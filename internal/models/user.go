package models

import "time"

// User is a person known to the grading system. GithubUsername stays nil until
// the student links their hosting account.
type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	NetID          string    `gorm:"size:128;uniqueIndex;not null" json:"netid"`
	Name           string    `gorm:"size:255" json:"name"`
	GithubUsername *string   `gorm:"size:255;uniqueIndex" json:"github_username"`
	IsAdmin        bool      `gorm:"not null;default:false" json:"is_admin"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Course groups assignments and interactive sessions.
type Course struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Package domain contains the appointment records linked from invoices.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// AppointmentStatus represents appointment lifecycle states.
type AppointmentStatus string

const (
	AppointmentStatusScheduled AppointmentStatus = "scheduled"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// Appointment is the clinical visit an invoice may originate from.
// Settling the invoice in full marks the appointment completed.
type Appointment struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	TenantID    snowflake.ID      `gorm:"not null;index"`
	CompanyID   snowflake.ID      `gorm:"not null;index"`
	PatientID   snowflake.ID      `gorm:"not null;index"`
	Status      AppointmentStatus `gorm:"type:text;not null;default:'scheduled'"`
	ScheduledAt time.Time         `gorm:"not null"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Appointment) TableName() string { return "appointments" }

var ErrNotFound = errors.New("appointment_not_found")

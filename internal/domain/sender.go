package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SmtpSender is a configured outbound mail credential set with a daily send
// quota. A user may own several; the selector rotates across them
// least-recently-used first.
type SmtpSender struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	UserID         uuid.UUID  `json:"user_id" db:"user_id"`
	Host           string     `json:"host" db:"host"`
	Port           int        `json:"port" db:"port"`
	Username       string     `json:"username" db:"username"`
	Password       string     `json:"-" db:"password"`
	FromEmail      string     `json:"from_email" db:"from_email"`
	FromName       string     `json:"from_name" db:"from_name"`
	DailyQuota     int        `json:"daily_quota" db:"daily_quota"`
	UsedToday      int        `json:"used_today" db:"used_today"`
	LastUsed       *time.Time `json:"last_used" db:"last_used"`
	LastQuotaReset *time.Time `json:"last_quota_reset" db:"last_quota_reset"`
}

// Addr returns the host:port dial address for the SMTP transport.
func (s *SmtpSender) Addr() string {
	port := s.Port
	if port == 0 {
		port = 587
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// HasCapacity reports whether the sender is still under its daily quota.
func (s *SmtpSender) HasCapacity() bool {
	return s.UsedToday < s.DailyQuota
}

package session

import "time"

type Alert struct {
	Kind     string    `json:"kind"`
	Message  string    `json:"message,omitempty"`
	Operator string    `json:"operator,omitempty"`
	Severity string    `json:"severity,omitempty"`
	At       time.Time `json:"at"`
}

// AlertLog keeps the most recent alerts, oldest first.
type AlertLog struct {
	max     int
	entries []Alert
}

func NewAlertLog(max int) *AlertLog {
	if max <= 0 {
		max = 100
	}
	return &AlertLog{max: max}
}

func (l *AlertLog) Add(a Alert) {
	l.entries = append(l.entries, a)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append([]Alert(nil), l.entries[over:]...)
	}
}

func (l *AlertLog) Entries() []Alert {
	return append([]Alert(nil), l.entries...)
}

func (l *AlertLog) Len() int { return len(l.entries) }

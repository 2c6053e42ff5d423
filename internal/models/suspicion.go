package models

// SuspicionSignal is the advisory output of the suspicion detector. It is
// computed on demand from recent attempt history and never persisted; it feeds
// logging and alerting only and must never gate a login by itself.
type SuspicionSignal struct {
	IsSuspicious bool   `json:"is_suspicious"`
	Reason       string `json:"reason"`
}

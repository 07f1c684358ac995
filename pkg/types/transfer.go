package types

import "time"

// TransferID is a stable identifier for an in-flight or completed transfer.
type TransferID string

// TransferStatus tracks one download's progress for the control plane to
// observe.
type TransferStatus struct {
	ID              TransferID
	Description     string
	StartedAt       time.Time
	UpdatedAt       time.Time
	DownloadedBytes uint64
	TotalBytes      uint64
	Interruption    *string // reason, nil while healthy
}

// IsComplete reports whether the transfer finished cleanly.
func (t TransferStatus) IsComplete() bool {
	return t.Interruption == nil && t.DownloadedBytes >= t.TotalBytes
}

// IsPending reports whether the transfer is still in flight.
func (t TransferStatus) IsPending() bool {
	return t.Interruption == nil && t.DownloadedBytes < t.TotalBytes
}

package persistence

import "ab-paper-bot-go/internal/models"

// StateRepository defines the interface for state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveLedger atomically replaces the ledger stored under slot.
	SaveLedger(slot string, rec *models.LedgerRecord) error

	// LoadLedger loads the ledger stored under slot.
	// If no ledger is found, it should return (nil, nil).
	LoadLedger(slot string) (*models.LedgerRecord, error)

	// AppendHistory appends one entry to the A/B history log.
	AppendHistory(entry models.ABHistoryEntry) error

	// LoadHistory returns the whole A/B history log in append order.
	LoadHistory() ([]models.ABHistoryEntry, error)

	// SaveRiskLevel stores the process-wide risk level.
	SaveRiskLevel(level int) error

	// LoadRiskLevel returns the stored risk level and whether one was found.
	LoadRiskLevel() (int, bool, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

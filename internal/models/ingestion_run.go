package models

import "time"

const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial" // fetched, but some records failed
	RunStatusFailure = "failure"
)

// IngestionRun records the outcome of populating one listings date. A row is
// written once, when the run ends.
type IngestionRun struct {
	ID         string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	Date       time.Time `json:"date" gorm:"type:date;index;not null"`
	Status     string    `json:"status" gorm:"size:16;index;not null"`
	Proxy      string    `json:"proxy" gorm:"size:64"`
	Fetched    int       `json:"fetched"`
	Committed  int       `json:"committed"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error" gorm:"type:text"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (IngestionRun) TableName() string {
	return "ingestion_run"
}

// All lists every model managed by the schema, parents first.
func All() []interface{} {
	return []interface{}{
		&Coin{},
		&Platform{},
		&TagReference{},
		&Tag{},
		&Market{},
		&Quote{},
		&IngestionRun{},
	}
}

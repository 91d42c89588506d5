package models

import "time"

// Fact is implemented by every normalized warehouse row. Tag stamps the
// ingestion metadata: every row in a load carries the batch that produced it
// and the time it was fetched.
type Fact interface {
	Tag(batchID string, fetchedAt time.Time)
}

func (f *AdSpendFact) Tag(batchID string, fetchedAt time.Time) {
	f.BatchID = batchID
	f.FetchedAt = fetchedAt
}

func (f *EditorRollup) Tag(batchID string, fetchedAt time.Time) {
	f.BatchID = batchID
	f.FetchedAt = fetchedAt
}

func (f *CampaignFact) Tag(batchID string, fetchedAt time.Time) {
	f.BatchID = batchID
	f.FetchedAt = fetchedAt
}

func (f *MaterialFact) Tag(batchID string, fetchedAt time.Time) {
	f.BatchID = batchID
	f.FetchedAt = fetchedAt
}

func (f *DramaMapping) Tag(batchID string, fetchedAt time.Time) {
	f.BatchID = batchID
	f.FetchedAt = fetchedAt
}

func (f *HourlySnapshot) Tag(batchID string, fetchedAt time.Time) {
	f.BatchID = batchID
	f.FetchedAt = fetchedAt
}

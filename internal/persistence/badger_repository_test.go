package persistence

import (
	"testing"
	"time"

	"ab-paper-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) StateRepository {
	t.Helper()
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestLoadLedgerMissingReturnsNil(t *testing.T) {
	repo := newTestRepo(t)

	rec, err := repo.LoadLedger("baseline")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSaveAndLoadLedger(t *testing.T) {
	repo := newTestRepo(t)
	open := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	rec := &models.LedgerRecord{
		StartingBalance: 300,
		Balance:         300.4754,
		Positions: map[string]*models.Position{
			"ETHUSDT": {Symbol: "ETHUSDT", EntryPrice: 2000, Amount: 0.01, Side: models.SideShort, OpenTime: open},
		},
		Trades: []models.Trade{
			{ID: "a1", Symbol: "BTCUSDT", EntryPrice: 100, ClosePrice: 105, Amount: 0.1, Side: models.SideLong, PnL: 0.4754, OpenTime: open, CloseTime: open.Add(time.Hour)},
		},
		RealizedPnL: 0.4754,
	}
	require.NoError(t, repo.SaveLedger("experiment", rec))

	got, err := repo.LoadLedger("experiment")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.RealizedPnL, got.RealizedPnL)
	assert.Equal(t, rec.Balance, got.Balance)
	require.Len(t, got.Trades, 1)
	assert.Equal(t, "a1", got.Trades[0].ID)
	assert.True(t, got.Trades[0].CloseTime.Equal(open.Add(time.Hour)))
	require.Contains(t, got.Positions, "ETHUSDT")
	assert.Equal(t, models.SideShort, got.Positions["ETHUSDT"].Side)

	other, err := repo.LoadLedger("baseline")
	require.NoError(t, err)
	assert.Nil(t, other, "slots are independent")

	assert.Error(t, repo.SaveLedger("baseline", nil))
}

func TestHistoryKeepsAppendOrder(t *testing.T) {
	repo := newTestRepo(t)

	history, err := repo.LoadHistory()
	require.NoError(t, err)
	assert.Empty(t, history)

	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	promoted := true
	risk := 2
	for i := 0; i < 12; i++ {
		e := models.ABHistoryEntry{Type: models.ReportHourly, Timestamp: base.Add(time.Duration(i) * time.Hour), BaselineRealizedPnL: float64(i)}
		if i == 11 {
			e.Type = models.ReportDaily
			e.Promoted = &promoted
			e.ExperimentRisk = &risk
		}
		require.NoError(t, repo.AppendHistory(e))
	}

	history, err = repo.LoadHistory()
	require.NoError(t, err)
	require.Len(t, history, 12)
	for i, e := range history {
		assert.Equal(t, float64(i), e.BaselineRealizedPnL)
	}
	last := history[11]
	assert.Equal(t, models.ReportDaily, last.Type)
	require.NotNil(t, last.Promoted)
	assert.True(t, *last.Promoted)
	require.NotNil(t, last.ExperimentRisk)
	assert.Equal(t, 2, *last.ExperimentRisk)
}

func TestRiskLevelRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	_, found, err := repo.LoadRiskLevel()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.SaveRiskLevel(3))
	level, found, err := repo.LoadRiskLevel()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, level)
}

func TestBadgerRepositoryOnDiskSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	repo, err := NewBadgerRepository(dir)
	require.NoError(t, err)
	require.NoError(t, repo.AppendHistory(models.ABHistoryEntry{Type: models.ReportHourly, BaselineRealizedPnL: 1}))
	require.NoError(t, repo.SaveRiskLevel(4))
	require.NoError(t, repo.Close())

	repo, err = NewBadgerRepository(dir)
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.AppendHistory(models.ABHistoryEntry{Type: models.ReportHourly, BaselineRealizedPnL: 2}))

	history, err := repo.LoadHistory()
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1.0, history[0].BaselineRealizedPnL)
	assert.Equal(t, 2.0, history[1].BaselineRealizedPnL)

	level, found, err := repo.LoadRiskLevel()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 4, level)
}

package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/models"
)

func TestWhereNumbersPlaceholders(t *testing.T) {
	var w where
	w.add("m.area_id = ?", "area-1")
	w.add("(m.current_kwh_reading_date IS NULL OR m.current_kwh_reading_date NOT BETWEEN ? AND ?)", 1, 2)
	limit := w.arg(10)

	assert.Equal(t, "m.area_id = $1 AND (m.current_kwh_reading_date IS NULL OR m.current_kwh_reading_date NOT BETWEEN $2 AND $3)", w.String())
	assert.Equal(t, "$4", limit)
	assert.Equal(t, []interface{}{"area-1", 1, 2, 10}, w.args)
}

func TestEmptyWhereMatchesAll(t *testing.T) {
	var w where
	assert.Equal(t, "TRUE", w.String())
}

func TestBillingScope(t *testing.T) {
	var w where
	assert.NoError(t, BillingScope{MeterIDs: []string{"a", "b"}}.apply(&w, "r"))
	assert.Equal(t, "r.meter_id = ANY($1)", w.String())

	var area where
	assert.NoError(t, BillingScope{AreaID: "area-1"}.apply(&area, "r"))
	assert.Contains(t, area.String(), "area_id = $1")

	var empty where
	assert.Error(t, BillingScope{}.apply(&empty, "r"))
}

func TestBreakdownsQueryAnchorsOnPriorReading(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 23, 59, 59, 0, time.UTC)

	query, args, err := breakdownsQuery(BillingScope{AreaID: "area-1"}, start, end)
	require.NoError(t, err)

	// the window reaches back before start so the first segment has an anchor
	assert.Contains(t, query, "mr.reading_date <= $2")
	assert.NotContains(t, query, "mr.reading_date >=")
	assert.Contains(t, query, "LAG(mr.kwh_reading, 1, 0::numeric) OVER w")
	assert.Contains(t, query, "PARTITION BY mr.meter_id ORDER BY mr.reading_date, mr.created_at")
	assert.Contains(t, query, "WHERE reading_date >= $3")
	assert.Contains(t, query, "GROUP BY meter_id, tariff_id")
	assert.Equal(t, []interface{}{"area-1", end, start}, args)

	_, _, err = breakdownsQuery(BillingScope{}, start, end)
	assert.Error(t, err)
}

func TestCountUnpricedQuery(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	query, args, err := countUnpricedQuery(BillingScope{MeterIDs: []string{"m1", "m2"}}, start, end)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT COUNT(*) FROM meter_readings mr WHERE mr.meter_id = ANY($1) AND mr.reading_date BETWEEN $2 AND $3 AND mr.tariff IS NULL",
		query)
	assert.Equal(t, []interface{}{[]string{"m1", "m2"}, start, end}, args)
}

func TestRepriceStatement(t *testing.T) {
	snap := &models.TariffSnapshot{
		TariffID:      "t-1",
		Tariff:        decimal.MustParse("0.25"),
		Type:          models.TariffTypeArea,
		EffectiveFrom: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		EndDate:       models.FarFuture,
	}

	t.Run("area skips meter overrides", func(t *testing.T) {
		query, args, err := repriceStatement(RepriceFilter{
			AreaID: "area-1", From: snap.EffectiveFrom, To: snap.EndDate, SkipMeterOverrides: true,
		}, snap)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(query, "UPDATE meter_readings SET tariff_id = $1"))
		assert.Contains(t, query, "amount = kwh_consumption * $6::numeric")
		assert.Contains(t, query, "meter_id IN (SELECT id FROM meters WHERE area_id = $7)")
		assert.Contains(t, query, "BETWEEN $8::date AND $9::date")
		assert.Contains(t, query, "(tariff_type IS NULL OR tariff_type <> $10)")
		require.Len(t, args, 10)
		assert.Equal(t, "METER", args[9])
	})

	t.Run("meter scope", func(t *testing.T) {
		query, args, err := repriceStatement(RepriceFilter{
			MeterIDs: []string{"m1"}, From: snap.EffectiveFrom, To: snap.EndDate,
		}, snap)
		require.NoError(t, err)
		assert.Contains(t, query, "meter_id = ANY($7)")
		assert.NotContains(t, query, "tariff_type <>")
		assert.Len(t, args, 9)
	})

	t.Run("unscoped", func(t *testing.T) {
		_, _, err := repriceStatement(RepriceFilter{From: snap.EffectiveFrom, To: snap.EndDate}, snap)
		assert.Error(t, err)
	})
}

func TestNextInvoiceQueryIsSingleUpsert(t *testing.T) {
	assert.Contains(t, nextInvoiceQuery, "ON CONFLICT (date) DO UPDATE SET last_number = invoice_sequences.last_number + 1")
	assert.Contains(t, nextInvoiceQuery, "RETURNING last_number")
	assert.Equal(t, 1, strings.Count(nextInvoiceQuery, "$"))
}

func TestListRequestsQuery(t *testing.T) {
	query, args := listRequestsQuery(RequestFilter{RequestedByUserID: "u-1", Status: models.RequestFailed, Limit: 20, Offset: 40})
	assert.Contains(t, query, "WHERE requested_by_user_id = $1 AND status = $2 ORDER BY request_date DESC, id LIMIT $3 OFFSET $4")
	assert.Equal(t, []interface{}{"u-1", "FAILED", 20, 40}, args)

	query, args = listRequestsQuery(RequestFilter{})
	assert.Contains(t, query, "WHERE TRUE ORDER BY request_date DESC, id")
	assert.NotContains(t, query, "LIMIT")
	assert.Empty(t, args)
}

func TestTariffScopeLocks(t *testing.T) {
	assert.Contains(t, scopeLockQuery(true), "pg_advisory_xact_lock(")
	assert.Contains(t, scopeLockQuery(false), "pg_advisory_xact_lock_shared(")
	assert.Equal(t, "tariff:METER:m1", scopeLockKey(models.TariffTypeMeter, "m1"))
	assert.NotEqual(t, scopeLockKey(models.TariffTypeMeter, "x"), scopeLockKey(models.TariffTypeArea, "x"))
}

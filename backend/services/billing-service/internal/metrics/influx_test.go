package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meterbill/backend/libs/decimal"
	"meterbill/backend/services/billing-service/internal/events"
	"meterbill/backend/services/billing-service/internal/models"
)

type recordingWriter struct {
	points []*write.Point
}

func (w *recordingWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	w.points = append(w.points, points...)
	return nil
}

func TestHandleWritesReadingPoint(t *testing.T) {
	w := &recordingWriter{}
	sink := NewInfluxSinkWithWriter(w, zap.NewNop())
	at := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	reading := models.Reading{
		MeterID:        "m1",
		MeterNumber:    "MTR-1",
		ReadingDate:    at,
		KwhReading:     decimal.MustParse("150"),
		KwhConsumption: decimal.MustParse("50"),
	}
	reading.ApplyTariff(&models.TariffSnapshot{TariffID: "t1", Tariff: decimal.MustParse("0.2"), Type: models.TariffTypeMeter})

	err := sink.Handle(context.Background(), events.ReadingChanged{
		Kind:    events.ReadingRecorded,
		Reading: reading,
		AreaID:  "area-1",
	})
	require.NoError(t, err)
	require.Len(t, w.points, 1)

	p := w.points[0]
	assert.Equal(t, "energy_consumption", p.Name())
	assert.Equal(t, at, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "m1", tags["meter_id"])
	assert.Equal(t, "reading_recorded", tags["event"])

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 50.0, fields["kwh_consumption"])
	assert.Equal(t, 10.0, fields["amount"])
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	w := &recordingWriter{}
	sink := NewInfluxSinkWithWriter(w, zap.NewNop())
	require.NoError(t, sink.Handle(context.Background(), events.BillGenerated{Kind: events.SingleMeterBillGenerated}))
	assert.Empty(t, w.points)
}

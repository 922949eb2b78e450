// Package metrics exports reading consumption to InfluxDB.
package metrics

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"meterbill/backend/services/billing-service/internal/events"
)

const measurement = "energy_consumption"

// PointWriter is the blocking write API of the influx client.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one point per reading event.
type InfluxSink struct {
	writer PointWriter
	client influxdb2.Client
	logger *zap.Logger
}

// NewInfluxSink connects to InfluxDB and verifies it is reachable.
func NewInfluxSink(ctx context.Context, url, token, org, bucket string, logger *zap.Logger) (*InfluxSink, error) {
	client := influxdb2.NewClient(url, token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health: %w", err)
	}
	return &InfluxSink{
		writer: client.WriteAPIBlocking(org, bucket),
		client: client,
		logger: logger,
	}, nil
}

// NewInfluxSinkWithWriter builds a sink over an existing writer.
func NewInfluxSinkWithWriter(w PointWriter, logger *zap.Logger) *InfluxSink {
	return &InfluxSink{writer: w, logger: logger}
}

// Handle is an events.Handler for reading events.
func (s *InfluxSink) Handle(ctx context.Context, e events.Event) error {
	changed, ok := e.(events.ReadingChanged)
	if !ok {
		return nil
	}
	r := changed.Reading

	fields := map[string]interface{}{
		"kwh_consumption": r.KwhConsumption.Float64(),
		"kwh_reading":     r.KwhReading.Float64(),
	}
	if r.Amount.Valid {
		fields["amount"] = r.Amount.Decimal.Float64()
	}
	if r.Tariff != nil {
		fields["tariff"] = r.Tariff.Tariff.Float64()
	}

	point := write.NewPoint(
		measurement,
		map[string]string{
			"meter_id":     r.MeterID,
			"meter_number": r.MeterNumber,
			"area_id":      changed.AreaID,
			"event":        changed.Kind.String(),
		},
		fields,
		r.ReadingDate,
	)
	if err := s.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write %s point: %w", measurement, err)
	}
	s.logger.Debug("consumption point written", zap.String("meter_id", r.MeterID))
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

package database

import (
	"context"
	"fmt"
	"time"

	"deadline-sched/internal/config"
	"deadline-sched/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

// InfluxDBClient publishes balancing-cycle records: one point per cycle plus
// one per CPU per cycle.
type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
	logger   *logrus.Logger
}

func NewInfluxDBClient(cfg config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Password)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}
	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": health.Message,
		}).Error("InfluxDB health check failed")
		return nil, fmt.Errorf("influxdb health check failed: %s", health.Status)
	}

	writeAPI := client.WriteAPIBlocking(cfg.Org, cfg.Name)

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Name,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		bucket:   cfg.Name,
		org:      cfg.Org,
		logger:   logger,
	}, nil
}

// WriteCycleRecords uploads all records of a run in one batch.
func (idb *InfluxDBClient) WriteCycleRecords(ctx context.Context, runName string, records []CycleRecord) error {
	var points []*write.Point

	for i := range records {
		rec := &records[i]

		points = append(points, influxdb2.NewPoint("balancer_cycle",
			map[string]string{
				"run": runName,
			},
			map[string]interface{}{
				"cycle":        int64(rec.Cycle),
				"cpus":         len(rec.CPUs),
				"threshold_ns": rec.ThresholdNS,
				"targets":      len(rec.Targets),
			},
			rec.Timestamp))

		for _, cpu := range rec.CPUs {
			points = append(points, influxdb2.NewPoint("balancer_cpu",
				map[string]string{
					"run": runName,
					"cpu": fmt.Sprintf("%d", cpu.CPU),
				},
				map[string]interface{}{
					"cycle":             int64(rec.Cycle),
					"queue_time_ns":     cpu.QueueTimeNS,
					"performance_scale": cpu.PerformanceScale,
					"over_threshold":    cpu.OverThreshold,
					"placement_target":  cpu.PlacementTarget,
				},
				rec.Timestamp))
		}
	}

	if len(points) > 0 {
		if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
			return fmt.Errorf("failed to write data points: %w", err)
		}
	}

	idb.logger.WithFields(logrus.Fields{
		"run":    runName,
		"points": len(points),
	}).Info("Uploaded balancer metrics")
	return nil
}

func (idb *InfluxDBClient) Close() {
	idb.client.Close()
}

package telemetry

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

// Config locates the InfluxDB server and the fallback file.
type Config struct {
	Protocol   string
	Host       string
	Port       string
	Token      string
	Org        string
	Bucket     string
	BackupPath string
}

// ConfigFromViper reads the influx.* keys.
func ConfigFromViper() Config {
	return Config{
		Protocol:   viper.GetString("influx.protocol"),
		Host:       viper.GetString("influx.host"),
		Port:       viper.GetString("influx.port"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		Bucket:     viper.GetString("influx.bucket"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

func (c Config) url() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// Influx writes engine events to an InfluxDB bucket. When the server is not
// reachable at open time, points go to a gzip'd line protocol file instead.
type Influx struct {
	cfg    Config
	logger zerolog.Logger

	client influxdb2.Client
	writer influxdb2_api.WriteAPI
	valid  bool

	mu         sync.Mutex
	backupFile *os.File
	backup     *gzip.Writer
}

// Open connects to InfluxDB, creating the org and bucket if needed.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Influx, error) {
	m := &Influx{cfg: cfg, logger: logger}

	m.client = influxdb2.NewClientWithOptions(
		cfg.url(),
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := m.client.Ping(ctx)
	if err != nil || !running {
		m.logger.Info().Str("backupPath", cfg.BackupPath).
			Msg("Failed to reach InfluxDB, writing to backup file")

		file, err := os.OpenFile(cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			m.client.Close()
			return nil, fmt.Errorf("error creating backup file: %w", err)
		}
		m.backupFile = file
		m.backup = gzip.NewWriter(file)
		return m, nil
	}

	if err := m.ensureBucket(ctx); err != nil {
		m.client.Close()
		return nil, err
	}
	m.valid = true

	m.writer = m.client.WriteAPI(cfg.Org, cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.logger.Error().Err(writeErr).Str("bucket", cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.writer.Errors())

	m.logger.Info().Str("bucket", cfg.Bucket).Msg("InfluxDB client initialized")
	return m, nil
}

func (m *Influx) ensureBucket(ctx context.Context) error {
	orgs := m.client.OrganizationsAPI()

	org, err := orgs.FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.logger.Info().Str("org", m.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, m.cfg.Org)
		if err != nil {
			m.logger.Error().Err(err).Str("org", m.cfg.Org).Msg("Error creating organization")
			return err
		}
	}

	if _, err = m.client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err == nil {
		return nil
	}
	m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")

	rule := domain.RetentionRuleTypeExpire
	_, err = m.client.BucketsAPI().CreateBucketWithName(ctx, org, m.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: 60 * 60 * 24 * 30, // 30 days
	})
	if err != nil {
		m.logger.Error().Err(err).Str("bucket", m.cfg.Bucket).Msg("Error creating bucket")
	}
	return err
}

// Online reports whether points go to the server rather than the backup.
func (m *Influx) Online() bool { return m.valid }

func (m *Influx) MarkerEvent(kind, markerID string, typ protocol.TokenType, success bool, pos protocol.Position) {
	p := influxdb2_write.NewPointWithMeasurement("marker_event").
		AddTag("kind", kind).
		AddTag("type", string(typ)).
		AddField("marker_id", markerID).
		AddField("success", success).
		AddField("x", pos.X).
		AddField("y", pos.Y).
		SetTime(time.Now())
	m.write(p)
}

func (m *Influx) SyncPush(kind string, tokens int) {
	p := influxdb2_write.NewPointWithMeasurement("sync_push").
		AddTag("kind", kind).
		AddField("tokens", tokens).
		SetTime(time.Now())
	m.write(p)
}

func (m *Influx) write(p *influxdb2_write.Point) {
	if err := m.WritePoint(p); err != nil {
		m.logger.Warn().Err(err).Msg("Dropping telemetry point")
	}
}

// WritePoint writes p to the server or the backup file.
func (m *Influx) WritePoint(p *influxdb2_write.Point) error {
	if m.valid {
		m.writer.WritePoint(p)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup == nil {
		return fmt.Errorf("influxDB backup writer closed")
	}
	line := influxdb2_write.PointToLineProtocol(p, time.Nanosecond)
	if _, err := m.backup.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// Close flushes pending points and releases the client and backup file.
func (m *Influx) Close() error {
	if m.valid {
		m.writer.Flush()
	}
	m.client.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup == nil {
		return nil
	}
	err := m.backup.Close()
	if cerr := m.backupFile.Close(); err == nil {
		err = cerr
	}
	m.backup = nil
	return err
}

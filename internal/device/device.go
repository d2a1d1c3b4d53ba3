package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager resolves and persists the agent's stable device identity. Every
// queued response is stamped with this id, so it must survive restarts and
// reinstalls where possible.
type Manager struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewManager(db *sql.DB, logger *zap.Logger) *Manager {
	return &Manager{db: db, logger: logger}
}

// EnsureDeviceID returns the device id, in order of preference: the
// configured id, the id already persisted in the local database, a
// machine-derived id, or a freshly generated UUID. Whatever id wins is
// persisted so the same identity is used on every run.
func (m *Manager) EnsureDeviceID(ctx context.Context, configured string) (string, error) {
	if configured != "" {
		if err := m.persist(ctx, configured); err != nil {
			return "", err
		}
		return configured, nil
	}

	var stored string
	err := m.db.QueryRowContext(ctx, `SELECT device_id FROM device_info LIMIT 1`).Scan(&stored)
	if err == nil && stored != "" {
		return stored, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read device identity: %w", err)
	}

	id := machineID()
	if id == "" {
		id = uuid.NewString()
		m.logger.Info("Generated new device identity", zap.String("device_id", id))
	}

	if err := m.persist(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// RecordSync stamps the last successful sync time on the device record
func (m *Manager) RecordSync(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `UPDATE device_info SET last_sync_at = ?`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, id string) error {
	hostname, _ := os.Hostname()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO device_info (id, device_id, device_name) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET device_id = excluded.device_id
	`, id, hostname)
	if err != nil {
		return fmt.Errorf("failed to persist device identity: %w", err)
	}
	return nil
}

// machineID derives a stable identifier from the host. The agent targets
// Linux handsets, so machine-id is tried first with hostname as fallback.
func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return "host-" + hostname
	}
	return ""
}

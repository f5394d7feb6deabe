package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Config holds ClickHouse connection settings for the replay events store.
type Config struct {
	Addr     string
	Database string
	User     string
	Password string
}

// NewConn opens a native-protocol ClickHouse connection and verifies connectivity.
func NewConn(ctx context.Context, cfg Config, logger *zap.Logger) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct{ Name, Version string }{
				{Name: "sessionscope", Version: "backend"},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	logger.Info("ClickHouse connected", zap.String("addr", cfg.Addr), zap.String("database", cfg.Database))
	return conn, nil
}

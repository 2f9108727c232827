// Package storage persists pipeline state in ClickHouse and serves the place
// and image reads both jobs run on.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"TopPhotos/internal/config"
	"TopPhotos/internal/domain"
)

// Open connects to ClickHouse over the native protocol and verifies the
// connection before returning.
func Open(cfg config.ClickHouseConfig) (*sql.DB, error) {
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 3 * time.Second,
		Settings: clickhouse.Settings{
			"max_execution_time": cfg.MaxExecutionTime,
		},
	})
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, classify(fmt.Errorf("ping clickhouse %s:%d: %w", cfg.Host, cfg.Port, err))
	}
	return db, nil
}

// ClickHouse server error codes that mean the query itself is wrong. A broken
// query fails identically for every place, so these stop the run instead of
// qualifying for resubmission.
var fatalServerCodes = map[int32]bool{
	47:  true, // unknown identifier
	60:  true, // unknown table
	62:  true, // syntax error
	81:  true, // unknown database
	516: true, // authentication failed
}

// classify attaches the pipeline's error taxonomy to a store error: malformed
// queries and bad credentials are fatal, everything else (connection loss,
// timeouts, server overload) is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var exc *clickhouse.Exception
	if errors.As(err, &exc) && fatalServerCodes[exc.Code] {
		return domain.WrapKind(domain.KindFatal, err)
	}
	return domain.WrapKind(domain.KindTransient, err)
}

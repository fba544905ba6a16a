package storage

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
)

const mysqlSchema = `CREATE TABLE IF NOT EXISTS policies (
	id VARCHAR(64) PRIMARY KEY,
	target_id VARCHAR(512) NOT NULL,
	target_type VARCHAR(16) NOT NULL,
	filter_name VARCHAR(255) NOT NULL,
	params TEXT NOT NULL,
	action VARCHAR(16) NOT NULL,
	condition_text TEXT NOT NULL,
	object_type VARCHAR(255) NULL,
	object_size VARCHAR(64) NULL,
	object_tag VARCHAR(255) NULL,
	transient BOOLEAN NOT NULL,
	location VARCHAR(255) NULL,
	alive BOOLEAN NOT NULL,
	status VARCHAR(16) NOT NULL,
	rule_text TEXT NOT NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL
)`

var mysqlDialect = dialect{name: "mysql", driver: "mysql", schema: mysqlSchema}

func openMySQL(dsn string) (*SQLRepository, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	// created_at and updated_at are scanned into time.Time
	cfg.ParseTime = true
	return openDatabase(mysqlDialect, cfg.FormatDSN())
}

package storage

import (
	"strconv"

	_ "github.com/microsoft/go-mssqldb"
)

const mssqlSchema = `IF OBJECT_ID(N'policies', N'U') IS NULL
CREATE TABLE policies (
	id NVARCHAR(64) PRIMARY KEY,
	target_id NVARCHAR(512) NOT NULL,
	target_type NVARCHAR(16) NOT NULL,
	filter_name NVARCHAR(255) NOT NULL,
	params NVARCHAR(MAX) NOT NULL,
	action NVARCHAR(16) NOT NULL,
	condition_text NVARCHAR(MAX) NOT NULL,
	object_type NVARCHAR(255) NULL,
	object_size NVARCHAR(64) NULL,
	object_tag NVARCHAR(255) NULL,
	transient BIT NOT NULL,
	location NVARCHAR(255) NULL,
	alive BIT NOT NULL,
	status NVARCHAR(16) NOT NULL,
	rule_text NVARCHAR(MAX) NOT NULL,
	created_at DATETIME2 NOT NULL,
	updated_at DATETIME2 NOT NULL
)`

var mssqlDialect = dialect{
	name:        "mssql",
	driver:      "sqlserver",
	placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
	schema:      mssqlSchema,
}

func openMSSQL(dsn string) (*SQLRepository, error) {
	return openDatabase(mssqlDialect, dsn)
}

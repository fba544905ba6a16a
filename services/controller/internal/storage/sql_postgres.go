package storage

import (
	"strconv"

	_ "github.com/lib/pq"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS policies (
	id text PRIMARY KEY,
	target_id text NOT NULL,
	target_type text NOT NULL,
	filter_name text NOT NULL,
	params jsonb NOT NULL DEFAULT '{}'::jsonb,
	action text NOT NULL,
	condition_text text NOT NULL,
	object_type text,
	object_size text,
	object_tag text,
	transient boolean NOT NULL DEFAULT false,
	location text,
	alive boolean NOT NULL DEFAULT true,
	status text NOT NULL,
	rule_text text NOT NULL,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
)`

var postgresDialect = dialect{
	name:        "postgres",
	driver:      "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	schema:      postgresSchema,
}

func openPostgres(dsn string) (*SQLRepository, error) {
	return openDatabase(postgresDialect, dsn)
}

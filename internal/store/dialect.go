package store

type dialect struct {
	name     string
	schema   string
	insert   string
	vicidial bool

	// cursor converts a cursor value to a query argument.
	cursor func(uint64) any
}

func dialectFor(dbType, schema string) dialect {
	switch {
	case schema == "vicidial":
		return vicidialDialect
	case dbType == "postgres":
		return postgresDialect
	}
	return mysqlDialect
}

// go-sql-driver/mysql passes uint64 through; BIGINT UNSIGNED holds it whole.
func unsignedCursor(id uint64) any { return id }

// Postgres has no unsigned BIGINT: cursors above MaxInt64 are stored in
// two's complement and read back with a uint64 conversion.
func signedCursor(id uint64) any { return int64(id) }

var mysqlDialect = dialect{
	name:   "mailbot",
	cursor: unsignedCursor,
	schema: `
CREATE TABLE IF NOT EXISTS mailbot_messages (
	id              BIGINT AUTO_INCREMENT PRIMARY KEY,
	instance        VARCHAR(191) NOT NULL,
	natural_key     VARCHAR(191) NOT NULL,
	cursor_id       BIGINT UNSIGNED NOT NULL,
	email_date      DATETIME NULL,
	email_from      VARCHAR(255) NOT NULL,
	email_from_name VARCHAR(255) NOT NULL,
	email_to        VARCHAR(255) NOT NULL,
	subject         VARCHAR(255) NOT NULL,
	content_type    VARCHAR(127) NOT NULL,
	raw             MEDIUMBLOB NOT NULL,
	status          VARCHAR(16) NOT NULL DEFAULT 'NEW',
	received_at     DATETIME NOT NULL,
	UNIQUE KEY uq_mailbot_messages_key (instance, natural_key)
) DEFAULT CHARSET=utf8mb4`,
	insert: `
INSERT IGNORE INTO mailbot_messages
	(instance, natural_key, cursor_id, email_date, email_from, email_from_name,
	 email_to, subject, content_type, raw, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
}

var postgresDialect = dialect{
	name:   "mailbot",
	cursor: signedCursor,
	schema: `
CREATE TABLE IF NOT EXISTS mailbot_messages (
	id              BIGSERIAL PRIMARY KEY,
	instance        VARCHAR(191) NOT NULL,
	natural_key     VARCHAR(191) NOT NULL,
	cursor_id       BIGINT NOT NULL,
	email_date      TIMESTAMPTZ NULL,
	email_from      VARCHAR(255) NOT NULL,
	email_from_name VARCHAR(255) NOT NULL,
	email_to        VARCHAR(255) NOT NULL,
	subject         VARCHAR(255) NOT NULL,
	content_type    VARCHAR(127) NOT NULL,
	raw             BYTEA NOT NULL,
	status          VARCHAR(16) NOT NULL DEFAULT 'NEW',
	received_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (instance, natural_key)
)`,
	insert: `
INSERT INTO mailbot_messages
	(instance, natural_key, cursor_id, email_date, email_from, email_from_name,
	 email_to, subject, content_type, raw, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (instance, natural_key) DO NOTHING`,
}

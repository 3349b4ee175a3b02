package eventlog

import (
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/machinaio/machina/pkg/db"
)

// NewMySQLStore connects to MySQL. The DSN must enable parseTime so
// DATETIME columns scan into time.Time; it is appended when missing.
//
// Example DSN: "user:password@tcp(localhost:3306)/machina?parseTime=true"
func NewMySQLStore(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("eventlog: mysql dsn cannot be empty")
	}
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	pool, err := db.NewPool(db.DefaultPoolConfig(dsn, "mysql"))
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}

	store, err := NewSQLStore(pool, DialectMySQL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

package configuration

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Database is either a local sqlite file or a remote libsql database.
type Database struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

func (config Database) OpenDB() (*sql.DB, error) {
	if config.Url != "" {
		return config.openRemote()
	}
	if config.File == "" {
		return nil, fmt.Errorf("database: either a file or a url must be specified")
	}
	return config.openFile()
}

func (config Database) openRemote() (*sql.DB, error) {
	values := url.Values{}
	if config.AuthToken != "" {
		values.Add("authToken", config.AuthToken)
	}
	dsn := config.Url
	if len(values) > 0 {
		dsn += "?" + values.Encode()
	}
	return sql.Open("libsql", dsn)
}

func (config Database) openFile() (*sql.DB, error) {
	if config.File != ":memory:" {
		err := os.MkdirAll(filepath.Dir(config.File), 0755)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", config.File)
	if err != nil {
		return nil, err
	}
	// sqlite only allows a single writer, see
	// https://stackoverflow.com/questions/35804884/sqlite-concurrent-writing-performance
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

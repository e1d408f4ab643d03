package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

const (
	createNodesSQL = "CREATE TABLE IF NOT EXISTS nodes (" +
		"path VARCHAR(768) NOT NULL PRIMARY KEY, " +
		"value TEXT NOT NULL" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin"
	loadNodesSQL      = "SELECT path, value FROM nodes ORDER BY path"
	deleteNodeSQL     = "DELETE FROM nodes WHERE path = ? OR path LIKE ?"
	deleteAllNodesSQL = "DELETE FROM nodes"
	deleteLeafSQL     = "DELETE FROM nodes WHERE path = ?"
	upsertNodeSQL     = "INSERT INTO nodes (path, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)"
)

// SQLPersister keeps the tree in a MySQL table, one row per leaf.
// Each batch is written in one serializable transaction.
type SQLPersister struct {
	*sql.DB
}

func NewSQLPersister(ctx context.Context, db *sql.DB) (*SQLPersister, error) {
	if _, err := db.ExecContext(ctx, createNodesSQL); err != nil {
		return nil, err
	}
	return &SQLPersister{db}, nil
}

func (s *SQLPersister) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLPersister) Load(ctx context.Context) (any, error) {
	var b treeBuilder
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, loadNodesSQL)
		if err != nil {
			glog.Errorf("load nodes query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var path, value string
			if err := rows.Scan(&path, &value); err != nil {
				glog.Errorf("load nodes scan err: %v", err)
				return err
			}
			if err := b.put(path, []byte(value)); err != nil {
				return err
			}
		}
		return rows.Err()
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}); err != nil {
		return nil, err
	}
	return b.tree(), nil
}

const applyAttempts = 3

func (s *SQLPersister) Apply(ctx context.Context, changes []Change) error {
	var err error
	for i := 0; i < applyAttempts; i++ {
		if err = s.apply(ctx, changes); err == nil || !s.IsDeadlock(err) {
			return err
		}
		glog.Warningf("apply nodes: deadlock, attempt %d: %v", i+1, err)
	}
	return err
}

func (s *SQLPersister) apply(ctx context.Context, changes []Change) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertNodeSQL)
		if err != nil {
			glog.Errorf("prepare upsert node err: %v", err)
			return err
		}
		defer stmt.Close()

		for _, c := range changes {
			if c.Path == "" {
				_, err = tx.ExecContext(ctx, deleteAllNodesSQL)
			} else {
				_, err = tx.ExecContext(ctx, deleteNodeSQL, c.Path, escapeLike(prefixOf(c.Path))+"%")
			}
			if err != nil {
				glog.Errorf("delete nodes exec err: %v", err)
				return err
			}
			for _, a := range ancestorsOf(c.Path) {
				if _, err := tx.ExecContext(ctx, deleteLeafSQL, a); err != nil {
					glog.Errorf("delete ancestor leaf exec err: %v", err)
					return err
				}
			}

			leaves := make(map[string][]byte)
			if err := flatten(c.Path, c.Value, leaves); err != nil {
				return err
			}
			for k, v := range leaves {
				if _, err := stmt.ExecContext(ctx, k, string(v)); err != nil {
					glog.Errorf("upsert node exec err: %v", err)
					return err
				}
			}
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// IsDeadlock reports a MySQL deadlock / lock wait timeout, which is worth a retry.
func (s *SQLPersister) IsDeadlock(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1213 || val.Number == 1205
	}
	return false
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

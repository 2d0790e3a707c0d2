package pgrepo_test

import (
	"context"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/peterldowns/pgtestdb"
	"github.com/peterldowns/pgtestdb/migrators/golangmigrator"
	"github.com/programme-lv/grader/pgrepo"
	"github.com/programme-lv/grader/repotest"
	"github.com/stretchr/testify/require"
)

// newDB returns a pool to an isolated, fully migrated test database.
func newDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	host := os.Getenv("PGTEST_HOST")
	if host == "" {
		t.Skip("PGTEST_HOST is not set")
	}
	port := os.Getenv("PGTEST_PORT")
	if port == "" {
		port = "5432"
	}
	conf := pgtestdb.Config{
		DriverName: "pgx",
		User:       os.Getenv("PGTEST_USER"),
		Password:   os.Getenv("PGTEST_PASSWORD"),
		Host:       host,
		Port:       port,
		Options:    "sslmode=disable",
	}
	gm := golangmigrator.New("migrations")
	config := pgtestdb.Custom(t, conf, gm)

	pool, err := pgxpool.New(context.Background(), config.URL())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPgRepo(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repotest.Repo {
		return pgrepo.New(newDB(t))
	})
}

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/stayledger/pkg/db"
)

func TestRunOfflineCreateThenValidate(t *testing.T) {
	dir := t.TempDir()
	handled, err := runOffline(options{cmd: "create", dir: dir, name: "add rate plans"})
	require.True(t, handled)
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(dir, "*_add_rate_plans.sql"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	handled, err = runOffline(options{cmd: "validate", dir: dir})
	require.True(t, handled)
	require.NoError(t, err)
}

func TestRunOfflineCreateRequiresName(t *testing.T) {
	handled, err := runOffline(options{cmd: "create", dir: t.TempDir()})
	require.True(t, handled)
	require.Error(t, err)
}

func TestRunOfflineLeavesDatabaseCommands(t *testing.T) {
	handled, err := runOffline(options{cmd: "up"})
	require.False(t, handled)
	require.NoError(t, err)
}

func TestRunOnlineUpAndStatus(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:migrate_cmd_%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	require.NoError(t, runOnline(context.Background(), sqlDB, db.DialectSQLite, options{cmd: "up"}))
	require.NoError(t, runOnline(context.Background(), sqlDB, db.DialectSQLite, options{cmd: "status"}))
	require.Error(t, runOnline(context.Background(), sqlDB, db.DialectSQLite, options{cmd: "version"}))
	require.Error(t, runOnline(context.Background(), sqlDB, db.DialectSQLite, options{cmd: "bogus"}))

	var count int
	require.NoError(t, sqlDB.QueryRow(`SELECT COUNT(*) FROM availability_ledger`).Scan(&count))
	require.Zero(t, count)
}

package storage

import (
	"testing"
	"time"
)

func TestPoolConfigForDriver(t *testing.T) {
	cfg := PoolConfig{MaxOpenConns: 40, MaxIdleConns: 60, ConnMaxIdleTime: time.Minute}

	pg := cfg.forDriver(DriverPostgres)
	if pg.MaxOpenConns != 40 || pg.MaxIdleConns != 40 {
		t.Fatalf("postgres pool = %+v, idle should be capped at open", pg)
	}
	if pg.ConnectTimeout != DefaultPoolConfig().ConnectTimeout {
		t.Fatalf("ConnectTimeout = %v, want default", pg.ConnectTimeout)
	}

	lite := cfg.forDriver(DriverSQLite)
	if lite.MaxOpenConns != 1 || lite.MaxIdleConns != 1 || lite.ConnMaxIdleTime != 0 {
		t.Fatalf("sqlite pool = %+v, want a single pinned connection", lite)
	}

	zero := PoolConfig{}.forDriver(DriverPostgres)
	def := DefaultPoolConfig()
	if zero.MaxOpenConns != def.MaxOpenConns || zero.MaxIdleConns != def.MaxIdleConns {
		t.Fatalf("zero pool = %+v, want defaults", zero)
	}
}

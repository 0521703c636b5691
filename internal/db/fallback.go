package db

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Prober answers whether PostGIS can serve the current request.
type Prober struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewProber returns a prober for gdb. A nil gdb is never available.
func NewProber(gdb *gorm.DB) *Prober {
	return &Prober{db: gdb, timeout: 2 * time.Second}
}

func (p *Prober) Available(ctx context.Context) bool {
	if p == nil || p.db == nil {
		return false
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return sqlDB.PingContext(ctx) == nil
}

// Fallback holds a PostGIS-backed implementation and its in-memory demo twin.
type Fallback[T any] struct {
	Primary T
	Demo    T
	Probe   *Prober
	// OnDegraded is called each time Pick settles on Demo.
	OnDegraded func()
}

// Pick returns the implementation to use for this request and whether it is the demo one.
func (f *Fallback[T]) Pick(ctx context.Context) (T, bool) {
	if f.Probe.Available(ctx) {
		return f.Primary, false
	}
	if f.OnDegraded != nil {
		f.OnDegraded()
	}
	return f.Demo, true
}

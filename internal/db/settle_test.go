package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestLockErr(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantTimeout bool
	}{
		{
			name:        "LockNotAvailable",
			err:         &pgconn.PgError{Code: pgLockNotAvailable, Message: "canceling statement due to lock timeout"},
			wantTimeout: true,
		},
		{
			name:        "WrappedLockNotAvailable",
			err:         fmt.Errorf("failed to lock wallet row (1, 2): %w", &pgconn.PgError{Code: pgLockNotAvailable}),
			wantTimeout: true,
		},
		{
			name: "OtherPgError",
			err:  &pgconn.PgError{Code: "23505", Message: "duplicate key"},
		},
		{
			name: "PlainError",
			err:  errors.New("connection reset"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lockErr(tt.err)
			if errors.Is(got, ErrLockTimeout) != tt.wantTimeout {
				t.Errorf("lockErr(%v): ErrLockTimeout match = %v, want %v",
					tt.err, !tt.wantTimeout, tt.wantTimeout)
			}
			if !tt.wantTimeout && !errors.Is(got, tt.err) {
				t.Errorf("lockErr(%v) lost the original error: %v", tt.err, got)
			}
		})
	}
}

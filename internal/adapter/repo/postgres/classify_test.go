package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

func pgErr(code string) error {
	return &pgconn.PgError{Code: code, Message: "boom"}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.FaultKind
	}{
		{"nil", nil, domain.FaultUnknown},
		{"connection failure class", pgErr("08006"), domain.FaultTransient},
		{"serialization failure", pgErr("40001"), domain.FaultTransient},
		{"deadlock detected", pgErr("40P01"), domain.FaultTransient},
		{"cannot connect now", pgErr("57P03"), domain.FaultTransient},
		{"insufficient resources", pgErr("53300"), domain.FaultTransient},
		{"data exception", pgErr("22001"), domain.FaultPermanent},
		{"unique violation", pgErr("23505"), domain.FaultPermanent},
		{"foreign key violation", pgErr("23503"), domain.FaultPermanent},
		{"syntax error", pgErr("42601"), domain.FaultPermanent},
		{"undefined database", pgErr("3D000"), domain.FaultPermanent},
		{"unknown pg code", pgErr("P0001"), domain.FaultTransient},
		{"context canceled", context.Canceled, domain.FaultTransient},
		{"deadline exceeded", context.DeadlineExceeded, domain.FaultTransient},
		{"connection refused text", errors.New("dial tcp: connection refused"), domain.FaultTransient},
		{"plain error", errors.New("something odd"), domain.FaultTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestAsFault(t *testing.T) {
	assert.NoError(t, AsFault(nil))

	err := AsFault(pgErr("23505"))
	assert.True(t, domain.IsPermanent(err))

	err = AsFault(pgErr("08006"))
	assert.True(t, domain.IsTransient(err))

	// Already classified errors pass through unchanged.
	wrapped := domain.Permanent(errors.New("no retry"))
	assert.Equal(t, wrapped, AsFault(wrapped))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(pgErr("23505")))
	assert.False(t, isUniqueViolation(pgErr("23503")))
	assert.False(t, isUniqueViolation(errors.New("23505")))
}

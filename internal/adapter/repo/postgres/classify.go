package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// SQLSTATE class prefixes. Connection and serialization classes are worth
// retrying; data, constraint and syntax classes never heal on their own.
var (
	transientClasses = []string{"08", "40", "57P03", "53", "55P03"}
	permanentClasses = []string{"22", "23", "42", "3D", "3F", "0A"}
)

var transientHints = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"temporarily unavailable",
	"too many connections",
	"deadlock",
}

// Classify maps a database error to a fault kind. Unknown errors count as
// transient so the caller retries rather than gives up on a blip.
func Classify(err error) domain.FaultKind {
	if err == nil {
		return domain.FaultUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.FaultTransient
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, p := range permanentClasses {
			if strings.HasPrefix(pgErr.Code, p) {
				return domain.FaultPermanent
			}
		}
		for _, p := range transientClasses {
			if strings.HasPrefix(pgErr.Code, p) {
				return domain.FaultTransient
			}
		}
		return domain.FaultTransient
	}
	msg := strings.ToLower(err.Error())
	for _, h := range transientHints {
		if strings.Contains(msg, h) {
			return domain.FaultTransient
		}
	}
	return domain.FaultTransient
}

// isUniqueViolation reports whether err is a unique-constraint violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// AsFault wraps err with its classified kind so upper layers can branch on
// IsPermanent/IsTransient without importing pgconn.
func AsFault(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsPermanent(err) || domain.IsTransient(err) {
		return err
	}
	if Classify(err) == domain.FaultPermanent {
		return domain.Permanent(err)
	}
	return domain.Transient(err)
}

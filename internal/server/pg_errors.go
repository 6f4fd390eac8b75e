package server

import (
	"errors"
	"strings"

	"github.com/fortresshq/fortress/pkg/httperr"
	"github.com/jackc/pgx/v5/pgconn"
)

func newBadRequestError(msg string) error {
	return httperr.NewBadRequest(msg)
}

func isBadRequestError(err error) bool {
	return httperr.IsBadRequest(err)
}

func pgErrorMessage(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		msg := strings.TrimSpace(pgErr.Message)
		if msg != "" {
			return msg
		}
	}
	return "UNKNOWN"
}

func pgErrorCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

func isPgInvalidInput(err error) bool {
	switch pgErrorCode(err) {
	case "22P02", "22003", "22007", "22008":
		return true
	default:
		return false
	}
}

func isPgUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

func stablePgMessage(err error) string {
	msg := pgErrorMessage(err)
	if isStableDBCode(msg) {
		return msg
	}

	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		switch strings.TrimSpace(pgErr.ConstraintName) {
		case "items_tenant_sku_unique":
			return "INVENTORY_SKU_EXISTS"
		case "orders_tenant_number_unique":
			return "ORDERS_NUMBER_EXISTS"
		case "automation_rules_tenant_name_unique":
			return "AUTOMATION_RULE_NAME_EXISTS"
		}
	}
	return err.Error()
}

// isStableDBCode reports whether msg looks like one of our SCREAMING_SNAKE
// exception codes raised by database functions, as opposed to a free-form
// postgres message.
func isStableDBCode(msg string) bool {
	msg = strings.TrimSpace(msg)
	if msg == "" || msg == "UNKNOWN" {
		return false
	}
	for i := 0; i < len(msg); i++ {
		ch := msg[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_':
		default:
			return false
		}
	}
	return true
}

package catalog

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/programme-lv/grader/srvcerror"
)

const (
	ErrCodeCodeExists   = "code_exists"
	ErrCodeCodeNotFound = "code_not_found"
	ErrCodeCodeInUse    = "code_in_use"
)

func ErrCodeExists(id string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeCodeExists,
		fmt.Sprintf("error code '%s' already exists", id),
	).SetHttpStatusCode(http.StatusConflict)
}

func ErrCodeNotFound(id string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeCodeNotFound,
		fmt.Sprintf("error code '%s' was not found", id),
	).SetHttpStatusCode(http.StatusNotFound)
}

// ErrCodeInUse lists the student/exercise keys still referencing the code.
func ErrCodeInUse(id string, refs []string) *srvcerror.Error {
	shown := refs
	if len(shown) > 10 {
		shown = shown[:10]
	}
	msg := fmt.Sprintf("error code '%s' is referenced by %d feedback entries (%s)",
		id, len(refs), strings.Join(shown, ", "))
	if len(shown) < len(refs) {
		msg = fmt.Sprintf("error code '%s' is referenced by %d feedback entries (%s, ...)",
			id, len(refs), strings.Join(shown, ", "))
	}
	return srvcerror.New(ErrCodeCodeInUse, msg).
		SetHttpStatusCode(http.StatusConflict)
}

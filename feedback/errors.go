package feedback

import (
	"fmt"
	"net/http"

	"github.com/programme-lv/grader/srvcerror"
)

const (
	ErrCodeUnknownErrorCode    = "unknown_error_code"
	ErrCodeUnknownExercise     = "unknown_exercise"
	ErrCodeEntryNotFound       = "entry_not_found"
	ErrCodeConflictingRevision = "conflicting_revision"
)

func ErrUnknownErrorCode(codeID string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeUnknownErrorCode,
		fmt.Sprintf("error code '%s' does not exist in the catalog", codeID),
	).SetHttpStatusCode(http.StatusUnprocessableEntity)
}

func ErrUnknownExercise(exercise string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeUnknownExercise,
		fmt.Sprintf("exercise '%s' is not defined", exercise),
	).SetHttpStatusCode(http.StatusUnprocessableEntity)
}

func ErrEntryNotFound(key Key) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeEntryNotFound,
		fmt.Sprintf("no feedback recorded for %s", key),
	).SetHttpStatusCode(http.StatusNotFound)
}

func ErrConflictingRevision(key Key, base, current int) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeConflictingRevision,
		fmt.Sprintf("feedback for %s was changed concurrently: based on revision %d, current revision is %d",
			key, base, current),
	).SetHttpStatusCode(http.StatusConflict)
}

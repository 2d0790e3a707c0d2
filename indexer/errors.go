package indexer

import (
	"fmt"
	"net/http"

	"github.com/programme-lv/grader/srvcerror"
)

const (
	ErrCodeIndexingError       = "indexing_error"
	ErrCodeSubmissionNotFound  = "submission_not_found"
	ErrCodeFileNotInSubmission = "file_not_in_submission"
)

func ErrIndexing(reason string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeIndexingError,
		fmt.Sprintf("archive could not be indexed: %s", reason),
	).SetHttpStatusCode(http.StatusUnprocessableEntity)
}

func ErrSubmissionNotFound(student string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeSubmissionNotFound,
		fmt.Sprintf("no indexed submission for student '%s'", student),
	).SetHttpStatusCode(http.StatusNotFound)
}

func ErrFileNotInSubmission(student, exercise, file string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeFileNotInSubmission,
		fmt.Sprintf("file '%s' is not part of %s/%s", file, student, exercise),
	).SetHttpStatusCode(http.StatusNotFound)
}

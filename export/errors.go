package export

import (
	"fmt"
	"net/http"

	"github.com/programme-lv/grader/srvcerror"
)

const (
	ErrCodeExportIncomplete = "export_incomplete"
	ErrCodeToolchainError   = "toolchain_error"
	ErrCodeNoFeedback       = "no_feedback"
	ErrCodeJobNotFound      = "export_job_not_found"
)

func ErrExportIncomplete(student, exercise, codeID string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeExportIncomplete,
		fmt.Sprintf("feedback of %s for %s applies error code '%s' which no longer exists",
			student, exercise, codeID),
	).SetHttpStatusCode(http.StatusInternalServerError)
}

func ErrToolchain(student string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeToolchainError,
		fmt.Sprintf("typesetting the feedback of %s failed", student),
	).SetHttpStatusCode(http.StatusBadGateway)
}

func ErrNoFeedback(student string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeNoFeedback,
		fmt.Sprintf("no feedback recorded for %s", student),
	).SetHttpStatusCode(http.StatusNotFound)
}

func ErrJobNotFound(id string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeJobNotFound,
		fmt.Sprintf("export job %s does not exist or has expired", id),
	).SetHttpStatusCode(http.StatusNotFound)
}

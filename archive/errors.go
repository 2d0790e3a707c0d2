package archive

import (
	"fmt"
	"net/http"

	"github.com/programme-lv/grader/srvcerror"
)

const (
	ErrCodeMalformedArchive = "malformed_archive"
	ErrCodeArchiveTooLarge  = "archive_too_large"
	ErrCodeArchiveNotFound  = "archive_not_found"
)

func ErrMalformedArchive(reason string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeMalformedArchive,
		fmt.Sprintf("malformed archive: %s", reason),
	).SetHttpStatusCode(http.StatusUnprocessableEntity)
}

func ErrArchiveTooLarge(what string, limit int64) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeArchiveTooLarge,
		fmt.Sprintf("archive too large: %s exceeds the limit of %d", what, limit),
	).SetHttpStatusCode(http.StatusRequestEntityTooLarge)
}

func ErrArchiveNotFound(checksum string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeArchiveNotFound,
		fmt.Sprintf("archive '%s' was not found", checksum),
	).SetHttpStatusCode(http.StatusNotFound)
}

package httpjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/programme-lv/grader/srvcerror"
)

type JsonResponse struct {
	Status  string `json:"status"` // "success" or "error"
	Data    any    `json:"data,omitempty"`
	ErrCode string `json:"code,omitempty"`
	ErrMsg  string `json:"message,omitempty"`
}

func WriteSuccessJson(w http.ResponseWriter, data any) {
	WriteJson(w, http.StatusOK, data)
}

func WriteJson(w http.ResponseWriter, statusCode int, data any) {
	resp := JsonResponse{
		Status: "success",
		Data:   data,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func WriteErrorJson(w http.ResponseWriter, errMsg string, statusCode int, errCode string) {
	resp := JsonResponse{
		Status:  "error",
		ErrMsg:  errMsg,
		ErrCode: errCode,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func writeInternalErrorJson(w http.ResponseWriter) {
	internal := srvcerror.ErrInternalSE()
	WriteErrorJson(w, internal.Error(), internal.HttpStatusCode(), internal.ErrorCode())
}

// DecodeJson reads a JSON body into dst and validates its struct tags.
func DecodeJson(r *http.Request, validate *validator.Validate, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return srvcerror.ErrInvalidInput("failed to read request body").SetDebug(err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return srvcerror.ErrInvalidInput("request body is not valid JSON").SetDebug(err)
	}
	if validate == nil {
		return nil
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			msg := fmt.Sprintf("field '%s' failed validation '%s'", fe.Field(), fe.Tag())
			return srvcerror.ErrInvalidInput(msg).SetDebug(err)
		}
		return srvcerror.ErrInvalidInput("invalid request body").SetDebug(err)
	}
	return nil
}

func HandleError(logger *slog.Logger, w http.ResponseWriter, err error) {
	srvcErr := &srvcerror.Error{}
	if errors.As(err, &srvcErr) {
		if srvcErr.DebugInfo() != nil {
			logger.Warn("service error", "error", err, "debug", srvcErr.DebugInfo())
		} else {
			logger.Warn("service error", "error", err)
		}
		if srvcErr.HttpStatusCode() == http.StatusInternalServerError {
			logger.Error("internal server error", "error", err)
		}
		WriteErrorJson(w, srvcErr.Error(), srvcErr.HttpStatusCode(), srvcErr.ErrorCode())
		return
	} else {
		logger.Error("internal server error", "error", err)
		writeInternalErrorJson(w)
	}
}

package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/certforge/internal/middleware"
	"github.com/hitoshi/certforge/internal/model"
)

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		if statusCode >= http.StatusInternalServerError {
			slog.Error("request failed",
				slog.String("code", apiErr.Code),
				slog.String("error", apiErr.Error()),
			)
		}
		if apiErr.Retryable() {
			w.Header().Set("Retry-After", middleware.RetryAfterSeconds)
		}
		middleware.WriteErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodeCSRFValidationFailed:
		return http.StatusForbidden
	case model.ErrCodeModuleNotFound, model.ErrCodeObjectNotFound,
		model.ErrCodeCredentialNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeModuleHasNoUnits:
		return http.StatusUnprocessableEntity
	case model.ErrCodeCredentialPending, model.ErrCodeArtifactAlreadyAttached:
		return http.StatusConflict
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidTemplateName, model.ErrCodeInvalidContentType,
		model.ErrCodeInvalidTTL, model.ErrCodeInvalidRole, model.ErrCodeInvalidArtifactPath:
		return http.StatusBadRequest
	case model.ErrCodeTemplateTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ErrCodeGrantExpiredOrInvalid:
		return http.StatusGone
	case model.ErrCodeEvaluatorUnavailable, model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをJSONとしてデコードする。
// 失敗した場合はINVALID_REQUESTを返す。
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(v); err != nil {
		return model.NewInvalidRequestError("リクエストボディのJSONが不正です")
	}
	return nil
}

// maxJSONBodyBytes はJSONリクエストボディの上限サイズ。
const maxJSONBodyBytes = 64 << 10

// principalFromRequest はAccess Gateが注入したPrincipalを取り出す。
func principalFromRequest(r *http.Request) (*model.Principal, error) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return nil, model.NewUnauthenticatedError()
	}
	return p, nil
}

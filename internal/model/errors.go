package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, credential, storage, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因（ログ用。レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable はバックエンド起因の一時的な障害かどうかを返す。
func (e *APIError) Retryable() bool {
	return e.Code == ErrCodeEvaluatorUnavailable || e.Code == ErrCodeStoreUnavailable
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated         = "UNAUTHENTICATED"
	ErrCodeForbidden               = "FORBIDDEN"
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeModuleNotFound          = "MODULE_NOT_FOUND"
	ErrCodeModuleHasNoUnits        = "MODULE_HAS_NO_UNITS"
	ErrCodeCredentialNotFound      = "CREDENTIAL_NOT_FOUND"
	ErrCodeCredentialPending       = "CREDENTIAL_PENDING"
	ErrCodeArtifactAlreadyAttached = "ARTIFACT_ALREADY_ATTACHED"
	ErrCodeInvalidArtifactPath     = "INVALID_ARTIFACT_PATH"
	ErrCodeObjectNotFound          = "OBJECT_NOT_FOUND"
	ErrCodeInvalidTemplateName     = "INVALID_TEMPLATE_NAME"
	ErrCodeInvalidContentType      = "INVALID_CONTENT_TYPE"
	ErrCodeTemplateTooLarge        = "TEMPLATE_TOO_LARGE"
	ErrCodeInvalidTTL              = "INVALID_TTL"
	ErrCodeGrantExpiredOrInvalid   = "GRANT_EXPIRED_OR_INVALID"
	ErrCodeUserNotFound            = "USER_NOT_FOUND"
	ErrCodeInvalidRole             = "INVALID_ROLE"
	ErrCodeEvaluatorUnavailable    = "EVALUATOR_UNAVAILABLE"
	ErrCodeStoreUnavailable        = "STORE_UNAVAILABLE"
	ErrCodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRFValidationFailed    = "CSRF_VALIDATION_FAILED"
)

// NewUnauthenticatedError はセッションがない、または無効な場合のエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError はロールが不足している場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewModuleNotFoundError はモジュール未検出エラーを生成する。
func NewModuleNotFoundError(moduleID string) *APIError {
	return &APIError{
		Code:     ErrCodeModuleNotFound,
		Message:  fmt.Sprintf("指定されたモジュールが見つかりません: %s", moduleID),
		Category: "credential",
		Action:   "モジュールIDを確認してください。",
	}
}

// NewModuleHasNoUnitsError は必須ユニットが0件のモジュールに対するエラーを生成する。
func NewModuleHasNoUnitsError(moduleID string) *APIError {
	return &APIError{
		Code:     ErrCodeModuleHasNoUnits,
		Message:  fmt.Sprintf("モジュールに必須ユニットが設定されていません: %s", moduleID),
		Category: "validation",
		Action:   "モジュールに必須ユニットを登録してから再度お試しください。",
	}
}

// NewCredentialNotFoundError は修了証未検出エラーを生成する。
func NewCredentialNotFoundError(credentialID string) *APIError {
	return &APIError{
		Code:     ErrCodeCredentialNotFound,
		Message:  fmt.Sprintf("指定された修了証が見つかりません: %s", credentialID),
		Category: "credential",
		Action:   "修了証IDを確認してください。",
	}
}

// NewCredentialPendingError はPDFがまだ生成されていない場合のエラーを生成する。
func NewCredentialPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeCredentialPending,
		Message:  "修了証のPDFは生成中です。",
		Category: "credential",
		Action:   "しばらく待ってから再度ダウンロードしてください。",
	}
}

// NewArtifactAlreadyAttachedError はPDFが既に添付済みの場合のエラーを生成する。
func NewArtifactAlreadyAttachedError() *APIError {
	return &APIError{
		Code:     ErrCodeArtifactAlreadyAttached,
		Message:  "この修了証には既にPDFが添付されています。",
		Category: "credential",
		Action:   "添付済みのPDFは差し替えできません。",
	}
}

// NewInvalidArtifactPathError は添付パスが修了証名前空間外の場合のエラーを生成する。
func NewInvalidArtifactPathError(path string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidArtifactPath,
		Message:  fmt.Sprintf("無効な格納パスです: %s", path),
		Category: "validation",
		Action:   "certificates/ 配下のパスを指定してください。",
	}
}

// NewObjectNotFoundError はオブジェクト未検出エラーを生成する。
func NewObjectNotFoundError(path string) *APIError {
	return &APIError{
		Code:     ErrCodeObjectNotFound,
		Message:  fmt.Sprintf("指定されたオブジェクトが見つかりません: %s", path),
		Category: "storage",
		Action:   "ファイル名を確認してください。",
	}
}

// NewInvalidTemplateNameError はテンプレート名が不正な場合のエラーを生成する。
func NewInvalidTemplateNameError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTemplateName,
		Message:  fmt.Sprintf("無効なテンプレート名です: %q", name),
		Category: "validation",
		Action:   "英数字、ハイフン、アンダースコア、ドットのみを使用した名前を指定してください。",
	}
}

// NewInvalidContentTypeError は画像以外のファイルがアップロードされた場合のエラーを生成する。
func NewInvalidContentTypeError(contentType string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidContentType,
		Message:  fmt.Sprintf("サポートされていないファイル形式です: %s", contentType),
		Category: "validation",
		Action:   "JPEG、PNG、WebPのいずれかの画像をアップロードしてください。",
	}
}

// NewTemplateTooLargeError はテンプレートのサイズ上限超過エラーを生成する。
func NewTemplateTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeTemplateTooLarge,
		Message:  fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", limit),
		Category: "validation",
		Action:   "画像を圧縮してから再度アップロードしてください。",
	}
}

// NewInvalidTTLError は有効期間が不正な場合のエラーを生成する。
func NewInvalidTTLError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTTL,
		Message:  "有効期間は1秒以上を指定してください。",
		Category: "validation",
		Action:   "ttlSecondsに正の整数を指定してください。",
	}
}

// NewGrantExpiredOrInvalidError は署名付きURLが期限切れまたは改ざんされている場合のエラーを生成する。
func NewGrantExpiredOrInvalidError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeGrantExpiredOrInvalid,
		Message:  "アクセス用URLの有効期限が切れているか、無効です。",
		Category: "storage",
		Action:   "新しいURLを発行してから再度アクセスしてください。",
		Err:      cause,
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewInvalidRoleError は未定義のロールが指定された場合のエラーを生成する。
func NewInvalidRoleError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRole,
		Message:  fmt.Sprintf("無効なロールです: %q", role),
		Category: "validation",
		Action:   "ロールには student または admin を指定してください。",
	}
}

// NewEvaluatorUnavailableError は修了判定が完了できなかった場合のエラーを生成する。
func NewEvaluatorUnavailableError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeEvaluatorUnavailable,
		Message:  "修了判定を完了できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}

// NewStoreUnavailableError はデータストアまたはオブジェクトストアの一時的な障害エラーを生成する。
func NewStoreUnavailableError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "ストレージに一時的にアクセスできません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterで指定された時間が経過してから再度お試しください。",
	}
}

// NewCSRFValidationError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFValidationError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFValidationFailed,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

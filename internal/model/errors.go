// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// プロトコル応答に含めるエラーコードとカテゴリを保持する。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, feed, protocol, system
	Action   string // 運用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeSSRFBlocked       = "SSRF_BLOCKED"
	ErrCodeFetchFailed       = "FETCH_FAILED"
	ErrCodeParseFailed       = "PARSE_FAILED"
	ErrCodeFeedNotDetected   = "FEED_NOT_DETECTED"
	ErrCodeActorNotFound     = "ACTOR_NOT_FOUND"
	ErrCodeFeedNotFound      = "FEED_NOT_FOUND"
	ErrCodeUnknownToken      = "UNKNOWN_TOKEN"
	ErrCodeCodewordRejected  = "CODEWORD_REJECTED"
	ErrCodeStaleRequest      = "STALE_REQUEST"
	ErrCodeProofMismatch     = "PROOF_MISMATCH"
	ErrCodeSignatureMismatch = "SIGNATURE_MISMATCH"
	ErrCodeInvalidRole       = "INVALID_ROLE"
	ErrCodeRemoteUnreachable = "REMOTE_UNREACHABLE"
	ErrCodeInvalidRule       = "INVALID_RULE"
	ErrCodeMissingField      = "MISSING_FIELD"
)

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "http:// または https:// で始まる絶対URLを指定してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているサイトのURLを指定してください。プライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "feed",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewParseFailedError はパース失敗エラーを生成する。
func NewParseFailedError(slug string) *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  fmt.Sprintf("フィードの解析に失敗しました（パーサー: %s）。", slug),
		Category: "feed",
		Action:   "フィードの形式とパーサーの割り当てを確認してください。",
	}
}

// NewFeedNotDetectedError はフィード未検出エラーを生成する。
func NewFeedNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotDetected,
		Message:  fmt.Sprintf("指定されたURLからフィードを検出できませんでした: %s", url),
		Category: "feed",
		Action:   "フィードURLを直接入力するか、フィードが公開されているページのURLを確認してください。",
	}
}

// NewActorNotFoundError はアクター未検出エラーを生成する。
func NewActorNotFoundError(actorID string) *APIError {
	return &APIError{
		Code:     ErrCodeActorNotFound,
		Message:  fmt.Sprintf("指定されたアクターが見つかりません: %s", actorID),
		Category: "feed",
		Action:   "アクターIDを確認してください。",
	}
}

// NewFeedNotFoundError はフィード未検出エラーを生成する。
func NewFeedNotFoundError(feedID string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %s", feedID),
		Category: "feed",
		Action:   "フィードIDを確認してください。",
	}
}

// NewUnknownTokenError は不明なトークンによる認証失敗エラーを生成する。
func NewUnknownTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeUnknownToken,
		Message:  "トークンに対応するアクターが見つかりません。",
		Category: "protocol",
		Action:   "フレンド関係が有効か確認してください。",
	}
}

// NewCodewordRejectedError はコードワード不一致エラーを生成する。
func NewCodewordRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodeCodewordRejected,
		Message:  "コードワードが一致しません。",
		Category: "protocol",
		Action:   "サイト運用者にコードワードを確認してください。",
	}
}

// NewStaleRequestError は古い/乗っ取られたリクエストIDのエラーを生成する。
func NewStaleRequestError(requestID string) *APIError {
	return &APIError{
		Code:     ErrCodeStaleRequest,
		Message:  fmt.Sprintf("リクエストIDに対応する申請が見つからないか、申請元が一致しません: %s", requestID),
		Category: "protocol",
		Action:   "フレンド申請をやり直してください。",
	}
}

// NewProofMismatchError は証明値の検証失敗エラーを生成する。
func NewProofMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeProofMismatch,
		Message:  "proofの検証に失敗しました。",
		Category: "protocol",
		Action:   "フレンド申請をやり直してください。",
	}
}

// NewSignatureMismatchError はクロスチェック署名の不一致エラーを生成する。
func NewSignatureMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeSignatureMismatch,
		Message:  "トークン署名の検証に失敗しました。",
		Category: "protocol",
		Action:   "承認処理を再試行してください。",
	}
}

// NewInvalidRoleError は不正な状態遷移のエラーを生成する。
func NewInvalidRoleError(current Role) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRole,
		Message:  fmt.Sprintf("現在のロール %q ではこの操作を実行できません。", current),
		Category: "protocol",
		Action:   "アクターのロールを確認してください。",
	}
}

// NewRemoteUnreachableError はリモートサイト呼び出し失敗のエラーを生成する。
func NewRemoteUnreachableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteUnreachable,
		Message:  fmt.Sprintf("リモートサイトの呼び出しに失敗しました: %s", reason),
		Category: "protocol",
		Action:   "リモートサイトの稼働状況を確認し、再試行してください。",
	}
}

// NewInvalidRuleError は不正なルール定義のエラーを生成する。
func NewInvalidRuleError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRule,
		Message:  fmt.Sprintf("不正なルール定義です: %s", reason),
		Category: "validation",
		Action:   "ルールのフィールド・アクション・正規表現を確認してください。",
	}
}

// NewMissingFieldError はリクエストの必須フィールド欠落エラーを生成する。
func NewMissingFieldError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingField,
		Message:  fmt.Sprintf("必須フィールドがありません: %s", field),
		Category: "validation",
		Action:   "リクエストボディに必須フィールドを含めてください。",
	}
}

// FieldErrorKind はFeedItemフィールド検証エラーの種別を表す。
type FieldErrorKind string

const (
	// FieldErrorInvalidURL はURLとして解釈できない値を表す。
	FieldErrorInvalidURL FieldErrorKind = "invalid_url"
	// FieldErrorOutOfRange は許容範囲外の数値を表す。
	FieldErrorOutOfRange FieldErrorKind = "out_of_range"
	// FieldErrorInvalidEnum は閉集合に含まれない列挙値を表す。
	FieldErrorInvalidEnum FieldErrorKind = "invalid_enum"
	// FieldErrorInvalidDate は日時として解釈できない値を表す。
	FieldErrorInvalidDate FieldErrorKind = "invalid_date"
)

// FieldError はFeedItemの単一フィールドに対する検証エラーを表す。
// どのフィールドがどの種別で失敗したかを型付きで保持する。
type FieldError struct {
	Field string
	Kind  FieldErrorKind
	Value string
}

// Error はerrorインターフェースを実装する。
func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %s (%q)", e.Field, e.Kind, e.Value)
}

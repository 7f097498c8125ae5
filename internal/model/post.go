// Package model はドメインモデルを定義する。
package model

import "time"

// PostStatus は投稿の公開状態を表す。
type PostStatus string

const (
	// PostStatusDraft は下書きを表す。
	PostStatusDraft PostStatus = "draft"
	// PostStatusPublish は公開済みを表す。
	PostStatusPublish PostStatus = "publish"
	// PostStatusPrivate はフレンド限定公開を表す。
	PostStatusPrivate PostStatus = "private"
	// PostStatusTrash はルールエンジンによるゴミ箱行きを表す。
	// リモートフィード上の値としては受理されず、upsert時の上書きのみに使用する。
	PostStatusTrash PostStatus = "trash"
)

// ValidPostStatus はリモートフィードから受理可能な公開状態かを検証する。
func ValidPostStatus(s PostStatus) bool {
	switch s {
	case PostStatusDraft, PostStatusPublish, PostStatusPrivate:
		return true
	}
	return false
}

// PostFormat は投稿フォーマットの閉集合を表す。
type PostFormat string

const (
	// PostFormatStandard は標準フォーマット。フォーマット未指定時のフォールバック。
	PostFormatStandard PostFormat = "standard"
	// PostFormatAside はタイトルなしの短文。
	PostFormatAside PostFormat = "aside"
	// PostFormatChat はチャットログ。
	PostFormatChat PostFormat = "chat"
	// PostFormatGallery は画像ギャラリー。
	PostFormatGallery PostFormat = "gallery"
	// PostFormatLink は外部リンク。
	PostFormatLink PostFormat = "link"
	// PostFormatImage は単一画像。
	PostFormatImage PostFormat = "image"
	// PostFormatQuote は引用。
	PostFormatQuote PostFormat = "quote"
	// PostFormatStatus は短いステータス更新。
	PostFormatStatus PostFormat = "status"
	// PostFormatVideo は動画。
	PostFormatVideo PostFormat = "video"
	// PostFormatAudio は音声。
	PostFormatAudio PostFormat = "audio"
)

// ValidPostFormat はフォーマット値が既知の閉集合に含まれるかを検証する。
func ValidPostFormat(f PostFormat) bool {
	switch f {
	case PostFormatStandard, PostFormatAside, PostFormatChat, PostFormatGallery,
		PostFormatLink, PostFormatImage, PostFormatQuote, PostFormatStatus,
		PostFormatVideo, PostFormatAudio:
		return true
	}
	return false
}

// Post はローカルにキャッシュされたリモート投稿の永続レコードを表す。
// FeedItemのupsert結果のみが永続化され、FeedItem自体はフェッチごとに破棄される。
type Post struct {
	ID           string
	ActorID      string
	FeedID       string
	ExternalID   string
	Permalink    string
	Title        string
	Content      string // サニタイズ済みHTML
	Author       string
	Format       PostFormat
	Status       PostStatus
	CommentCount int
	Reactions    string // リモート由来のリアクション集計JSON（中身は解釈しない）
	PublishedAt  *time.Time
	ModifiedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

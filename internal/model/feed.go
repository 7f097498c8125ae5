// Package model はドメインモデルを定義する。
package model

import "time"

// Feed はアクターに紐づくポーリング対象のリモートエンドポイントを表す。
// パーサーは信頼度スコアリングで一度選択された後、明示的に変更されるまで固定される。
type Feed struct {
	ID                  string
	ActorID             string
	URL                 string
	MimeType            string
	ParserSlug          string // フィードごとに必ず1つ
	Title               string
	Active              bool
	PollIntervalMinutes int
	PostFormatHint      string // フィード単位の投稿フォーマット既定値（空の場合なし）

	// フェッチ状態
	ETag              string
	LastModified      string
	ConsecutiveErrors int
	LastLog           string
	NextPollAt        time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultPollIntervalMinutes はフィードのポーリング間隔の既定値（分）。
const DefaultPollIntervalMinutes = 60

// Package parser はリモートフィードの検出・選択・取り込みを提供する。
//
// ワイヤフォーマット（RSS/Atom, JSON Feed, Microformats, ActivityPub）ごとに
// 1つのParser実装を持ち、Registryが信頼度スコアリングで最適な実装を選択する。
package parser

import (
	"context"

	"github.com/hitoshi/tomodachi/internal/model"
)

// 信頼度スコアの目安となる定数。
// 0は非対応を意味し、値が大きいほど確信度が高い。
const (
	// ConfidenceNone は非対応。
	ConfidenceNone = 0
	// ConfidenceLow はURLのヒント等による弱い推定。
	ConfidenceLow = 25
	// ConfidenceMedium はコンテンツの構造解析による推定。
	ConfidenceMedium = 50
	// ConfidenceHigh はMIMEタイプの一致による強い推定。
	ConfidenceHigh = 75
	// ConfidenceMax はマーカーリレーションによる確定。
	// フェデレーション対応を明示するリンクが存在する場合のみ使用する。
	ConfidenceMax = 100
)

// MarkerRelation はフェデレーション対応サイトがフィードリンクに付与する
// マーカーリレーション。このリレーションを持つ候補は信頼度スコアリングを
// 経ずにConfidenceMaxが割り当てられる。
const MarkerRelation = "friends-base-url"

// Candidate は検出されたフィード候補を表す。
type Candidate struct {
	// URL はフィードの絶対URL。候補のマージキーとして使用される。
	URL string
	// Title はリンク要素等から得られた表示名。
	Title string
	// MimeType はリンク要素のtype属性またはレスポンスのContent-Type。
	MimeType string
	// ParserSlug は割り当てられたパーサーのスラッグ。
	// 汎用リンクスキャン由来の候補では空のことがある。
	ParserSlug string
	// Relation はリンクのrel属性（self, alternate, またはマーカー）。
	Relation string
	// Confidence は割り当てられたパーサーの信頼度スコア。
	Confidence int
	// Autoselect は自動選択対象として推奨される候補かを示す。
	// 検出結果の中で高々1つの候補のみがtrueになる。
	Autoselect bool
}

// Document はdiscover時に1回だけフェッチされた取得結果。
// 各パーサーはこのドキュメントを検査してフォーマット固有の候補を返す。
type Document struct {
	// URL はリダイレクト解決後の最終URL。
	URL string
	// MimeType はContent-Typeヘッダーから抽出したメディアタイプ。
	MimeType string
	// Body はレスポンスボディ（上限あり）。
	Body []byte
}

// Parser は1つのワイヤフォーマットの検出・取り込みを担う。
type Parser interface {
	// Slug はパーサーを一意に識別するスラッグを返す。
	Slug() string

	// Confidence は指定されたフィードをこのパーサーが扱える確信度を返す。
	// 0は非対応を意味する。sampleはコンテンツの先頭部分（空のことがある）。
	Confidence(url, mimeType, title string, sample []byte) int

	// Discover は取得済みドキュメントからフォーマット固有のフィード候補を返す。
	// 候補が無い場合は空スライスを返す。
	Discover(doc *Document) []Candidate

	// Fetch はフィードを取得してFeedItemの列に変換する。
	// 空のフィードはエラーではなく空スライスとして返す。
	// リモートに変更がない場合はErrNotModifiedを返す。
	// フェッチ後のETag/Last-Modifiedはfeedに書き戻される。
	Fetch(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error)
}

// Package model はドメインモデルを定義する。
package model

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"
)

// FeedItemの各フィールドの上限値。
// 文字列はトリム後にハード切り詰めされ、上限を超えて保持されることはない。
const (
	MaxTitleLength   = 300
	MaxContentLength = 50000
	MaxAuthorLength  = 300
	MaxCommentCount  = 10000
)

// Enclosure はフィードアイテムに添付されたメディアを表す。
type Enclosure struct {
	URL      string
	Length   int64
	MimeType string
}

// FeedItem はフェッチごとに生成される正規化済みのリモート投稿を表す。
// 全フィールドはセッター経由でのみ設定され、検証に失敗した値は
// オブジェクトに入らない（設定済みの値も破壊されない）。
// upsert後は破棄され、永続化されるのはPostレコードのみ。
type FeedItem struct {
	permalink    string
	title        string
	content      string
	author       string
	date         int64 // Unixタイムスタンプ（秒）。0は未設定。
	updatedDate  int64
	commentCount int
	postFormat   PostFormat
	postStatus   PostStatus
	externalID   string
	enclosure    *Enclosure
	meta         map[string]map[string]any
	deleted      bool // ルールエンジンによる除外マーク
	isNew        bool
}

// NewFeedItem は未設定状態のFeedItemを生成する。
func NewFeedItem() *FeedItem {
	return &FeedItem{
		meta:  make(map[string]map[string]any),
		isNew: true,
	}
}

// SetPermalink はパーマリンクを設定する。絶対URLのみ受理する。
func (i *FeedItem) SetPermalink(raw string) error {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &FieldError{Field: "permalink", Kind: FieldErrorInvalidURL, Value: raw}
	}
	i.permalink = u.String()
	return nil
}

// SetTitle はタイトルを設定する。トリム後、上限長でハード切り詰めする。
func (i *FeedItem) SetTitle(s string) {
	i.title = truncate(strings.TrimSpace(s), MaxTitleLength)
}

// SetContent は本文HTMLを設定する。トリム後、上限長でハード切り詰めする。
func (i *FeedItem) SetContent(s string) {
	i.content = truncate(strings.TrimSpace(s), MaxContentLength)
}

// SetAuthor は著者名を設定する。トリム後、上限長でハード切り詰めする。
func (i *FeedItem) SetAuthor(s string) {
	i.author = truncate(strings.TrimSpace(s), MaxAuthorLength)
}

// SetDateUnix は公開日時をUnixタイムスタンプで設定する。
func (i *FeedItem) SetDateUnix(ts int64) error {
	if ts < 0 {
		return &FieldError{Field: "date", Kind: FieldErrorOutOfRange, Value: strconv.FormatInt(ts, 10)}
	}
	i.date = ts
	return nil
}

// SetDate は公開日時を設定する。Unixタイムスタンプの数値文字列、
// またはパース可能な日付文字列を受理し、Unixタイムスタンプに正規化する。
func (i *FeedItem) SetDate(raw string) error {
	ts, err := parseDateValue(raw)
	if err != nil {
		return &FieldError{Field: "date", Kind: FieldErrorInvalidDate, Value: raw}
	}
	i.date = ts
	return nil
}

// SetUpdatedDateUnix は更新日時をUnixタイムスタンプで設定する。
func (i *FeedItem) SetUpdatedDateUnix(ts int64) error {
	if ts < 0 {
		return &FieldError{Field: "updated_date", Kind: FieldErrorOutOfRange, Value: strconv.FormatInt(ts, 10)}
	}
	i.updatedDate = ts
	return nil
}

// SetUpdatedDate は更新日時を設定する。受理形式はSetDateと同じ。
func (i *FeedItem) SetUpdatedDate(raw string) error {
	ts, err := parseDateValue(raw)
	if err != nil {
		return &FieldError{Field: "updated_date", Kind: FieldErrorInvalidDate, Value: raw}
	}
	i.updatedDate = ts
	return nil
}

// SetCommentCount はコメント数を設定する。0〜10,000の範囲のみ受理する。
func (i *FeedItem) SetCommentCount(n int) error {
	if n < 0 || n > MaxCommentCount {
		return &FieldError{Field: "comment_count", Kind: FieldErrorOutOfRange, Value: strconv.Itoa(n)}
	}
	i.commentCount = n
	return nil
}

// SetPostFormat は投稿フォーマットを設定する。既知の閉集合のみ受理する。
func (i *FeedItem) SetPostFormat(f string) error {
	format := PostFormat(strings.ToLower(strings.TrimSpace(f)))
	if !ValidPostFormat(format) {
		return &FieldError{Field: "post_format", Kind: FieldErrorInvalidEnum, Value: f}
	}
	i.postFormat = format
	return nil
}

// SetPostStatus は公開状態を設定する。draft/publish/privateのみ受理する。
func (i *FeedItem) SetPostStatus(s string) error {
	status := PostStatus(strings.ToLower(strings.TrimSpace(s)))
	if !ValidPostStatus(status) {
		return &FieldError{Field: "post_status", Kind: FieldErrorInvalidEnum, Value: s}
	}
	i.postStatus = status
	return nil
}

// SetExternalID はリモート側の安定識別子を設定する。
func (i *FeedItem) SetExternalID(s string) {
	i.externalID = truncate(strings.TrimSpace(s), MaxTitleLength)
}

// SetEnclosure は添付メディアを設定する。URLは絶対URL、長さは非負のみ受理する。
func (i *FeedItem) SetEnclosure(rawURL string, length int64, mimeType string) error {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &FieldError{Field: "enclosure", Kind: FieldErrorInvalidURL, Value: rawURL}
	}
	if length < 0 {
		return &FieldError{Field: "enclosure", Kind: FieldErrorOutOfRange, Value: strconv.FormatInt(length, 10)}
	}
	i.enclosure = &Enclosure{URL: u.String(), Length: length, MimeType: strings.TrimSpace(mimeType)}
	return nil
}

// SetMeta はパーサー固有の拡張メタデータを設定する。
// サブマップはパーサーのスラッグ単位で分離され、コア同期ロジックは中身を解釈しない。
func (i *FeedItem) SetMeta(parserSlug, key string, value any) {
	sub, ok := i.meta[parserSlug]
	if !ok {
		sub = make(map[string]any)
		i.meta[parserSlug] = sub
	}
	sub[key] = value
}

// MarkDeleted はアイテムを保存対象から除外するマークを付与する。
func (i *FeedItem) MarkDeleted() { i.deleted = true }

// MarkPersisted はアイテムが永続化済みであることを記録する。
// FeedItemは最初の永続化までのみ「新規」として扱う。
func (i *FeedItem) MarkPersisted() { i.isNew = false }

// ゲッター

// Permalink はパーマリンクを返す。未設定の場合は空文字列。
func (i *FeedItem) Permalink() string { return i.permalink }

// Title はタイトルを返す。
func (i *FeedItem) Title() string { return i.title }

// Content は本文HTMLを返す。
func (i *FeedItem) Content() string { return i.content }

// Author は著者名を返す。
func (i *FeedItem) Author() string { return i.author }

// Date は公開日時のUnixタイムスタンプを返す。0は未設定。
func (i *FeedItem) Date() int64 { return i.date }

// UpdatedDate は更新日時のUnixタイムスタンプを返す。0は未設定。
func (i *FeedItem) UpdatedDate() int64 { return i.updatedDate }

// CommentCount はコメント数を返す。
func (i *FeedItem) CommentCount() int { return i.commentCount }

// PostFormat は投稿フォーマットを返す。未設定の場合は空文字列。
func (i *FeedItem) PostFormat() PostFormat { return i.postFormat }

// PostStatus は公開状態を返す。未設定の場合は空文字列。
func (i *FeedItem) PostStatus() PostStatus { return i.postStatus }

// ExternalID はリモート側の安定識別子を返す。
func (i *FeedItem) ExternalID() string { return i.externalID }

// Enclosure は添付メディアを返す。未設定の場合はnil。
func (i *FeedItem) Enclosure() *Enclosure { return i.enclosure }

// Meta は指定パーサーのメタデータサブマップを返す。未設定の場合はnil。
func (i *FeedItem) Meta(parserSlug string) map[string]any { return i.meta[parserSlug] }

// Deleted は除外マークの有無を返す。
func (i *FeedItem) Deleted() bool { return i.deleted }

// IsNew はまだ一度も永続化されていないかを返す。
func (i *FeedItem) IsNew() bool { return i.isNew }

// FieldValue はルールエンジン向けに照合対象フィールドの現在値を返す。
func (i *FeedItem) FieldValue(f RuleField) string {
	switch f {
	case RuleFieldTitle:
		return i.title
	case RuleFieldContent:
		return i.content
	case RuleFieldPermalink:
		return i.permalink
	case RuleFieldAuthor:
		return i.author
	}
	return ""
}

// SetFieldValue はルールエンジンの置換アクション向けにフィールドを更新する。
// パーマリンクの置換結果が無効なURLの場合は既存値を維持する
// （評価時にエラーを発生させない）。
func (i *FeedItem) SetFieldValue(f RuleField, value string) {
	switch f {
	case RuleFieldTitle:
		i.SetTitle(value)
	case RuleFieldContent:
		i.SetContent(value)
	case RuleFieldPermalink:
		_ = i.SetPermalink(value)
	case RuleFieldAuthor:
		i.SetAuthor(value)
	}
}

// truncate は文字列をルーン単位で最大長に切り詰める。
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// parseDateValue は数値文字列（Unixタイムスタンプ）または日付文字列を
// Unixタイムスタンプに変換する。
func parseDateValue(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil && ts >= 0 {
		return ts, nil
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

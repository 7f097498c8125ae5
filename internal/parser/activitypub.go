package parser

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/hitoshi/tomodachi/internal/model"
)

// SlugActivityPub はActivityPubパーサーのスラッグ。
const SlugActivityPub = "activitypub"

// apMimeTypes はActivityPub固有のメディアタイプ。
var apMimeTypes = map[string]bool{
	"application/activity+json": true,
	"application/ld+json":       true,
}

// ActivityPubParser はActivityPubアクターのアウトボックスを
// フィードとして取り込むパーサー。取り込みはアウトボックスの
// 先頭ページのCreate/Announceアクティビティに限定され、
// 完全なActivityPubサーバーの実装は行わない。
type ActivityPubParser struct {
	client *FetchClient
	logger *slog.Logger
}

// NewActivityPubParser はActivityPubParserを生成する。
func NewActivityPubParser(client *FetchClient, logger *slog.Logger) *ActivityPubParser {
	return &ActivityPubParser{client: client, logger: logger}
}

// Slug はパーサースラッグを返す。
func (p *ActivityPubParser) Slug() string { return SlugActivityPub }

// Confidence はActivityPubエンドポイントである確信度を返す。
func (p *ActivityPubParser) Confidence(url, mimeType, title string, sample []byte) int {
	mt := mediaType(mimeType)
	if apMimeTypes[mt] {
		return ConfidenceHigh
	}
	if mt == "application/json" || mt == "" {
		if looksLikeActivityStreams(sample) {
			return ConfidenceMedium
		}
	}
	lower := strings.ToLower(url)
	if strings.Contains(lower, "/outbox") || strings.Contains(lower, "/users/") ||
		strings.Contains(lower, "/@") {
		return ConfidenceLow
	}
	return ConfidenceNone
}

// looksLikeActivityStreams はボディがActivityStreamsの@context宣言を
// 含むかを判定する。
func looksLikeActivityStreams(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	checkSize := 2048
	if len(body) < checkSize {
		checkSize = len(body)
	}
	return strings.Contains(string(body[:checkSize]), "www.w3.org/ns/activitystreams")
}

// Discover は取得済みドキュメントがActivityPubオブジェクト自身である
// 場合にselfリレーションの候補を返す。HTMLのlink rel=alternateで
// 公開されるアクターURLはRegistryの汎用スキャンが拾い、メディアタイプ
// 経由でこのパーサーに割り当てられる。
func (p *ActivityPubParser) Discover(doc *Document) []Candidate {
	if p.Confidence(doc.URL, doc.MimeType, "", doc.Body) < ConfidenceMedium {
		return nil
	}
	var actor apActor
	title := ""
	if err := json.Unmarshal(doc.Body, &actor); err == nil {
		title = actor.Name
		if title == "" {
			title = actor.PreferredUsername
		}
	}
	return []Candidate{{
		URL:        doc.URL,
		Title:      title,
		MimeType:   doc.MimeType,
		ParserSlug: SlugActivityPub,
		Relation:   "self",
	}}
}

// apActor はActivityPubアクターの必要最小限のフィールド。
type apActor struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferredUsername"`
	Outbox            string `json:"outbox"`
}

// apCollection はOrderedCollectionとそのページの共用表現。
type apCollection struct {
	First        json.RawMessage `json:"first"`
	OrderedItems []apActivity    `json:"orderedItems"`
}

// apActivity はアウトボックス内の1アクティビティ。
type apActivity struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Published string          `json:"published"`
	Object    json.RawMessage `json:"object"`
}

// apObject はNote/Article等の投稿オブジェクト。
type apObject struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	URL          string `json:"url"`
	Name         string `json:"name"`
	Content      string `json:"content"`
	Published    string `json:"published"`
	Updated      string `json:"updated"`
	AttributedTo string `json:"attributedTo"`
}

// Fetch はアクターのアウトボックス先頭ページを取得し、
// Create/AnnounceアクティビティをFeedItemの列に変換する。
func (p *ActivityPubParser) Fetch(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
	result, err := p.client.GetConditional(ctx, feed, BearerTokenFrom(ctx))
	if err != nil {
		return nil, err
	}
	applyFetchState(feed, result)

	collection, err := p.resolveCollection(ctx, result.Body, feed)
	if err != nil {
		return nil, err
	}

	items := make([]*model.FeedItem, 0, len(collection.OrderedItems))
	for i := range collection.OrderedItems {
		item := p.convertActivity(&collection.OrderedItems[i])
		if item != nil {
			items = append(items, item)
		}
	}
	return items, nil
}

// resolveCollection はフェッチ済みボディからアクティビティの
// コレクションページを解決する。ボディがアクターの場合はアウトボックスへ、
// コレクションの場合は先頭ページへ追加フェッチする。
func (p *ActivityPubParser) resolveCollection(ctx context.Context, body []byte, feed *model.Feed) (*apCollection, error) {
	var actor apActor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, model.NewParseFailedError(SlugActivityPub)
	}
	if actor.Outbox != "" {
		if actor.Name != "" {
			feed.Title = actor.Name
		}
		result, err := p.client.Get(ctx, actor.Outbox)
		if err != nil {
			return nil, err
		}
		body = result.Body
	}

	var collection apCollection
	if err := json.Unmarshal(body, &collection); err != nil {
		return nil, model.NewParseFailedError(SlugActivityPub)
	}
	if len(collection.OrderedItems) > 0 {
		return &collection, nil
	}

	// アイテムが埋め込まれていない場合は先頭ページを取得する
	firstURL := rawMessageString(collection.First)
	if firstURL == "" {
		// firstがページオブジェクトとして埋め込まれているケース
		var page apCollection
		if err := json.Unmarshal(collection.First, &page); err == nil && len(page.OrderedItems) > 0 {
			return &page, nil
		}
		return &collection, nil
	}
	result, err := p.client.Get(ctx, firstURL)
	if err != nil {
		return nil, err
	}
	var page apCollection
	if err := json.Unmarshal(result.Body, &page); err != nil {
		return nil, model.NewParseFailedError(SlugActivityPub)
	}
	return &page, nil
}

// convertActivity は1アクティビティをFeedItemに変換する。
// Create/Announce/Delete以外のアクティビティはnilを返してスキップする。
func (p *ActivityPubParser) convertActivity(activity *apActivity) *model.FeedItem {
	switch activity.Type {
	case "Create", "Announce":
	case "Delete":
		return p.convertDelete(activity)
	default:
		return nil
	}

	item := model.NewFeedItem()

	// Announceのobjectは対象投稿のURL文字列のことがある
	if objectURL := rawMessageString(activity.Object); objectURL != "" {
		if err := item.SetPermalink(objectURL); err != nil {
			return nil
		}
		item.SetExternalID(objectURL)
		if activity.Published != "" {
			_ = item.SetDate(activity.Published)
		}
		item.SetMeta(SlugActivityPub, "reblog", true)
		item.SetMeta(SlugActivityPub, "attributed_to", activity.Actor)
		return item
	}

	var object apObject
	if err := json.Unmarshal(activity.Object, &object); err != nil {
		return nil
	}

	link := object.URL
	if link == "" {
		link = object.ID
	}
	if err := item.SetPermalink(link); err != nil {
		p.logger.Warn("パーマリンクが不正です",
			slog.String("parser", SlugActivityPub),
			slog.String("link", link),
		)
	}
	item.SetTitle(object.Name)
	item.SetContent(object.Content)
	if object.ID != "" {
		item.SetExternalID(object.ID)
	}
	published := object.Published
	if published == "" {
		published = activity.Published
	}
	if published != "" {
		_ = item.SetDate(published)
	}
	if object.Updated != "" {
		_ = item.SetUpdatedDate(object.Updated)
	}
	// Noteはタイトルを持たない短文投稿として扱う
	if object.Type == "Note" {
		_ = item.SetPostFormat(string(model.PostFormatStatus))
	}
	if activity.Type == "Announce" {
		item.SetMeta(SlugActivityPub, "reblog", true)
	}
	if object.AttributedTo != "" {
		item.SetMeta(SlugActivityPub, "attributed_to", object.AttributedTo)
	}
	return item
}

// convertDelete はDeleteアクティビティを削除済みアイテムに変換する。
// objectは投稿のID文字列またはTombstoneオブジェクトのどちらかで届く。
// 削除済みアイテムは同期エンジンが取り込みから除外する。
func (p *ActivityPubParser) convertDelete(activity *apActivity) *model.FeedItem {
	id := rawMessageString(activity.Object)
	if id == "" {
		var object apObject
		if err := json.Unmarshal(activity.Object, &object); err != nil {
			return nil
		}
		id = object.ID
	}
	if id == "" {
		return nil
	}

	item := model.NewFeedItem()
	if err := item.SetPermalink(id); err != nil {
		return nil
	}
	item.SetExternalID(id)
	item.MarkDeleted()
	return item
}

// rawMessageString はJSON値が文字列の場合にその値を返す。
func rawMessageString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

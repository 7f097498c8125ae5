package parser

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/tomodachi/internal/model"
)

// SlugRSS はRSS/Atomパーサーのスラッグ。
const SlugRSS = "rss"

// rssMimeTypes はRSS/Atom固有のメディアタイプ。
var rssMimeTypes = map[string]bool{
	"application/rss+xml":  true,
	"application/atom+xml": true,
	"application/rdf+xml":  true,
}

// xmlMimeTypes は汎用XMLメディアタイプ（ボディ解析が必要）。
var xmlMimeTypes = map[string]bool{
	"text/xml":        true,
	"application/xml": true,
}

// RSSParser はRSS 2.0 / RDF / Atomフィードのパーサー。
// gofeedのユニバーサルパーサーでXML系フォーマットを一括して扱う。
// 名前空間付きの拡張要素（投稿フォーマット、公開状態、外部ID、
// アバターURL、コメント数、リアクション集計）も取り込む。
type RSSParser struct {
	client *FetchClient
	logger *slog.Logger
}

// NewRSSParser はRSSParserを生成する。
func NewRSSParser(client *FetchClient, logger *slog.Logger) *RSSParser {
	return &RSSParser{client: client, logger: logger}
}

// Slug はパーサースラッグを返す。
func (p *RSSParser) Slug() string { return SlugRSS }

// Confidence はRSS/Atomフィードである確信度を返す。
func (p *RSSParser) Confidence(url, mimeType, title string, sample []byte) int {
	mt := mediaType(mimeType)
	if rssMimeTypes[mt] {
		return ConfidenceHigh
	}
	if xmlMimeTypes[mt] || mt == "" {
		if looksLikeRSSOrAtom(sample) {
			return ConfidenceMedium
		}
	}
	lower := strings.ToLower(url)
	if strings.Contains(lower, "/feed") || strings.Contains(lower, "rss") ||
		strings.Contains(lower, "atom") || strings.HasSuffix(lower, ".xml") {
		return ConfidenceLow
	}
	return ConfidenceNone
}

// looksLikeRSSOrAtom はボディの先頭部分を検査してRSS/Atomフィードかを判定する。
func looksLikeRSSOrAtom(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	// 先頭4KBを検査（XMLプロローグ + ルート要素が含まれるのに十分）
	checkSize := 4096
	if len(body) < checkSize {
		checkSize = len(body)
	}
	prefix := strings.ToLower(string(body[:checkSize]))

	if strings.Contains(prefix, "<rss") {
		return true
	}
	if strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	if strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom") {
		return true
	}
	return false
}

// Discover は取得済みドキュメントがRSS/Atomフィード自身である場合に
// selfリレーションの候補を返す。HTMLのlinkスキャンはRegistry側の
// 汎用スキャンに委ねる。
func (p *RSSParser) Discover(doc *Document) []Candidate {
	if p.Confidence(doc.URL, doc.MimeType, "", doc.Body) < ConfidenceMedium {
		return nil
	}
	title := ""
	if parsed, err := gofeed.NewParser().ParseString(string(doc.Body)); err == nil {
		title = parsed.Title
	}
	return []Candidate{{
		URL:        doc.URL,
		Title:      title,
		MimeType:   doc.MimeType,
		ParserSlug: SlugRSS,
		Relation:   "self",
	}}
}

// Fetch はフィードを条件付きGETで取得し、FeedItemの列に変換する。
func (p *RSSParser) Fetch(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
	result, err := p.client.GetConditional(ctx, feed, BearerTokenFrom(ctx))
	if err != nil {
		return nil, err
	}
	applyFetchState(feed, result)

	parsed, err := gofeed.NewParser().ParseString(string(result.Body))
	if err != nil {
		return nil, model.NewParseFailedError(SlugRSS)
	}
	if parsed.Title != "" {
		feed.Title = parsed.Title
	}

	items := make([]*model.FeedItem, 0, len(parsed.Items))
	for _, raw := range parsed.Items {
		if raw == nil {
			continue
		}
		item := p.convertItem(raw)
		items = append(items, item)
	}
	return items, nil
}

// convertItem はgofeedの記事をFeedItemに変換する。
// 個々のフィールドの検証エラーはそのフィールドをスキップして続行する。
func (p *RSSParser) convertItem(raw *gofeed.Item) *model.FeedItem {
	item := model.NewFeedItem()

	link := raw.Link
	// リンクがなくGUIDがURL形式の場合はGUIDをリンクとして使用する
	if link == "" && isHTTPURL(raw.GUID) {
		link = raw.GUID
	}
	if err := item.SetPermalink(link); err != nil {
		p.logger.Warn("パーマリンクが不正です",
			slog.String("parser", SlugRSS),
			slog.String("link", link),
		)
	}

	item.SetTitle(raw.Title)
	content := raw.Content
	if content == "" {
		content = raw.Description
	}
	item.SetContent(content)
	item.SetAuthor(itemAuthor(raw))

	if raw.GUID != "" {
		item.SetExternalID(raw.GUID)
	}
	if raw.PublishedParsed != nil {
		_ = item.SetDateUnix(raw.PublishedParsed.Unix())
	} else if raw.Published != "" {
		_ = item.SetDate(raw.Published)
	}
	if raw.UpdatedParsed != nil {
		_ = item.SetUpdatedDateUnix(raw.UpdatedParsed.Unix())
	} else if raw.Updated != "" {
		_ = item.SetUpdatedDate(raw.Updated)
	}

	if len(raw.Enclosures) > 0 && raw.Enclosures[0] != nil {
		enc := raw.Enclosures[0]
		length, _ := strconv.ParseInt(enc.Length, 10, 64)
		_ = item.SetEnclosure(enc.URL, length, enc.Type)
	}

	p.applyExtensions(raw, item)
	return item
}

// applyExtensions は名前空間付きの拡張要素をFeedItemに反映する。
// 投稿フォーマット・公開状態・外部ID・コメント数は正規フィールドへ、
// それ以外はこのパーサーのメタバッグへ格納する。
func (p *RSSParser) applyExtensions(raw *gofeed.Item, item *model.FeedItem) {
	for _, elements := range raw.Extensions {
		for name, exts := range elements {
			if len(exts) == 0 {
				continue
			}
			value := strings.TrimSpace(exts[0].Value)
			if value == "" {
				continue
			}
			switch name {
			case "post-format":
				_ = item.SetPostFormat(value)
			case "post-status":
				_ = item.SetPostStatus(value)
			case "post-id":
				item.SetExternalID(value)
			case "comment-count", "commentRss":
				if n, err := strconv.Atoi(value); err == nil {
					_ = item.SetCommentCount(n)
				}
			case "gravatar", "avatar":
				item.SetMeta(SlugRSS, "avatar", value)
			case "reactions":
				item.SetMeta(SlugRSS, "reactions", value)
			default:
				item.SetMeta(SlugRSS, name, value)
			}
		}
	}
}

// itemAuthor はgofeedの記事から著者名を取り出す。
func itemAuthor(raw *gofeed.Item) string {
	if raw.Author != nil && raw.Author.Name != "" {
		return raw.Author.Name
	}
	if len(raw.Authors) > 0 && raw.Authors[0] != nil {
		return raw.Authors[0].Name
	}
	return ""
}

// isHTTPURL は文字列がhttp(s)のURLかを判定する。
func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// applyFetchState はフェッチ結果の条件付きGET情報をフィードへ書き戻す。
func applyFetchState(feed *model.Feed, result *FetchResult) {
	if result.ETag != "" {
		feed.ETag = result.ETag
	}
	if result.LastModified != "" {
		feed.LastModified = result.LastModified
	}
	if result.MimeType != "" {
		feed.MimeType = result.MimeType
	}
}

package parser

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/tomodachi/internal/model"
)

// SlugJSONFeed はJSON Feedパーサーのスラッグ。
const SlugJSONFeed = "jsonfeed"

// JSONFeedParser はJSON Feed (https://jsonfeed.org) のパーサー。
// パース処理はgofeedのユニバーサルパーサーに委ね、JSON固有の
// 判定のみを独自に行う。
type JSONFeedParser struct {
	client *FetchClient
	logger *slog.Logger
}

// NewJSONFeedParser はJSONFeedParserを生成する。
func NewJSONFeedParser(client *FetchClient, logger *slog.Logger) *JSONFeedParser {
	return &JSONFeedParser{client: client, logger: logger}
}

// Slug はパーサースラッグを返す。
func (p *JSONFeedParser) Slug() string { return SlugJSONFeed }

// Confidence はJSON Feedである確信度を返す。
func (p *JSONFeedParser) Confidence(url, mimeType, title string, sample []byte) int {
	mt := mediaType(mimeType)
	if mt == "application/feed+json" {
		return ConfidenceHigh
	}
	if mt == "application/json" || mt == "" {
		if looksLikeJSONFeed(sample) {
			return ConfidenceMedium
		}
	}
	lower := strings.ToLower(url)
	if strings.Contains(lower, "feed.json") || strings.Contains(lower, "jsonfeed") {
		return ConfidenceLow
	}
	return ConfidenceNone
}

// looksLikeJSONFeed はボディの先頭部分がJSON Feedのバージョン宣言を
// 含むかを判定する。
func looksLikeJSONFeed(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	checkSize := 2048
	if len(body) < checkSize {
		checkSize = len(body)
	}
	prefix := string(body[:checkSize])
	return strings.Contains(prefix, "jsonfeed.org/version")
}

// Discover は取得済みドキュメントがJSON Feed自身である場合に
// selfリレーションの候補を返す。
func (p *JSONFeedParser) Discover(doc *Document) []Candidate {
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
		ParserSlug: SlugJSONFeed,
		Relation:   "self",
	}}
}

// Fetch はJSON Feedを条件付きGETで取得し、FeedItemの列に変換する。
func (p *JSONFeedParser) Fetch(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
	result, err := p.client.GetConditional(ctx, feed, BearerTokenFrom(ctx))
	if err != nil {
		return nil, err
	}
	applyFetchState(feed, result)

	parsed, err := gofeed.NewParser().ParseString(string(result.Body))
	if err != nil {
		return nil, model.NewParseFailedError(SlugJSONFeed)
	}
	if parsed.Title != "" {
		feed.Title = parsed.Title
	}

	items := make([]*model.FeedItem, 0, len(parsed.Items))
	for _, raw := range parsed.Items {
		if raw == nil {
			continue
		}
		item := model.NewFeedItem()
		if err := item.SetPermalink(raw.Link); err != nil {
			p.logger.Warn("パーマリンクが不正です",
				slog.String("parser", SlugJSONFeed),
				slog.String("link", raw.Link),
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
		}
		if raw.UpdatedParsed != nil {
			_ = item.SetUpdatedDateUnix(raw.UpdatedParsed.Unix())
		}
		if raw.Image != nil && raw.Image.URL != "" {
			item.SetMeta(SlugJSONFeed, "image", raw.Image.URL)
		}
		items = append(items, item)
	}
	return items, nil
}

package parser

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"

	"willnorris.com/go/microformats"

	"github.com/hitoshi/tomodachi/internal/model"
)

// SlugMicroformats はMicroformats h-feedパーサーのスラッグ。
const SlugMicroformats = "microformats"

// MicroformatsParser はHTMLページに埋め込まれたMicroformats2
// (h-feed / h-entry) のパーサー。専用フィードを持たないサイトでも
// ページ自体をフィードとして購読できる。
type MicroformatsParser struct {
	client *FetchClient
	logger *slog.Logger
}

// NewMicroformatsParser はMicroformatsParserを生成する。
func NewMicroformatsParser(client *FetchClient, logger *slog.Logger) *MicroformatsParser {
	return &MicroformatsParser{client: client, logger: logger}
}

// Slug はパーサースラッグを返す。
func (p *MicroformatsParser) Slug() string { return SlugMicroformats }

// Confidence はMicroformatsフィードである確信度を返す。
// HTMLページの解析に依存するため、専用フォーマットのパーサーよりも
// 低いスコアを上限とする。
func (p *MicroformatsParser) Confidence(rawURL, mimeType, title string, sample []byte) int {
	mt := mediaType(mimeType)
	if mt != "" && !strings.Contains(mt, "html") {
		return ConfidenceNone
	}
	if len(sample) == 0 {
		return ConfidenceNone
	}
	entries := p.parseEntries(sample, rawURL)
	if len(entries) == 0 {
		return ConfidenceNone
	}
	return ConfidenceMedium
}

// Discover は取得済みHTMLドキュメントにh-feed/h-entryが含まれる場合に
// selfリレーションの候補を返す。
func (p *MicroformatsParser) Discover(doc *Document) []Candidate {
	if !strings.Contains(doc.MimeType, "html") {
		return nil
	}
	if len(p.parseEntries(doc.Body, doc.URL)) == 0 {
		return nil
	}
	return []Candidate{{
		URL:        doc.URL,
		MimeType:   doc.MimeType,
		ParserSlug: SlugMicroformats,
		Relation:   "self",
	}}
}

// Fetch はHTMLページを取得し、h-entryをFeedItemの列に変換する。
func (p *MicroformatsParser) Fetch(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
	result, err := p.client.GetConditional(ctx, feed, BearerTokenFrom(ctx))
	if err != nil {
		return nil, err
	}
	applyFetchState(feed, result)

	entries := p.parseEntries(result.Body, feed.URL)
	items := make([]*model.FeedItem, 0, len(entries))
	for _, entry := range entries {
		item := model.NewFeedItem()

		link := firstStringProperty(entry, "url")
		if err := item.SetPermalink(link); err != nil {
			p.logger.Warn("パーマリンクが不正です",
				slog.String("parser", SlugMicroformats),
				slog.String("link", link),
			)
		}
		item.SetTitle(firstStringProperty(entry, "name"))
		item.SetContent(entryContent(entry))
		item.SetAuthor(entryAuthor(entry))
		if uid := firstStringProperty(entry, "uid"); uid != "" {
			item.SetExternalID(uid)
		}
		if published := firstStringProperty(entry, "published"); published != "" {
			_ = item.SetDate(published)
		}
		if updated := firstStringProperty(entry, "updated"); updated != "" {
			_ = item.SetUpdatedDate(updated)
		}
		if photo := firstStringProperty(entry, "photo"); photo != "" {
			item.SetMeta(SlugMicroformats, "photo", photo)
		}
		items = append(items, item)
	}
	return items, nil
}

// parseEntries はHTMLからh-entryを収集する。
// h-feedの子要素とトップレベルのh-entryの両方を対象とする。
func (p *MicroformatsParser) parseEntries(body []byte, baseURL string) []*microformats.Microformat {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}
	data := microformats.Parse(bytes.NewReader(body), base)
	if data == nil {
		return nil
	}

	var entries []*microformats.Microformat
	var walk func(items []*microformats.Microformat)
	walk = func(items []*microformats.Microformat) {
		for _, item := range items {
			if item == nil {
				continue
			}
			if hasType(item, "h-entry") {
				entries = append(entries, item)
				continue
			}
			if hasType(item, "h-feed") {
				walk(item.Children)
			}
		}
	}
	walk(data.Items)
	return entries
}

// hasType はMicroformatが指定タイプを持つかを判定する。
func hasType(m *microformats.Microformat, t string) bool {
	for _, typ := range m.Type {
		if typ == t {
			return true
		}
	}
	return false
}

// firstStringProperty は指定プロパティの最初の文字列値を返す。
func firstStringProperty(m *microformats.Microformat, name string) string {
	for _, v := range m.Properties[name] {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// entryContent はh-entryのcontentプロパティからHTML本文を取り出す。
// e-contentはhtml/valueのマップとしてパースされる。
func entryContent(m *microformats.Microformat) string {
	for _, v := range m.Properties["content"] {
		switch c := v.(type) {
		case map[string]string:
			if html := c["html"]; html != "" {
				return html
			}
			if value := c["value"]; value != "" {
				return value
			}
		case string:
			if c != "" {
				return c
			}
		}
	}
	return firstStringProperty(m, "summary")
}

// entryAuthor はh-entryのauthorプロパティ（埋め込みh-card）から著者名を取り出す。
func entryAuthor(m *microformats.Microformat) string {
	for _, v := range m.Properties["author"] {
		switch a := v.(type) {
		case *microformats.Microformat:
			if name := firstStringProperty(a, "name"); name != "" {
				return name
			}
			if a.Value != "" {
				return a.Value
			}
		case string:
			if a != "" {
				return a
			}
		}
	}
	return ""
}

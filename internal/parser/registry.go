package parser

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/hitoshi/tomodachi/internal/model"
)

// reservedSlugs はパーサースラッグとして予約された名前。
// ローカル投稿や管理操作の識別子と衝突させないために登録を拒否する。
var reservedSlugs = map[string]bool{
	"local":   true,
	"admin":   true,
	"unknown": true,
}

// Registry は登録済みパーサーを保持し、フィード検出とパーサー選択を駆動する。
type Registry struct {
	parsers map[string]Parser
	order   []string // 登録順を保持する
	client  *FetchClient
}

// NewRegistry はRegistryを生成する。
func NewRegistry(client *FetchClient) *Registry {
	return &Registry{
		parsers: make(map[string]Parser),
		client:  client,
	}
}

// Register はパーサーを登録する。
// スラッグが予約名または登録済みスラッグと衝突する場合はエラーを返す。
func (r *Registry) Register(p Parser) error {
	slug := p.Slug()
	if reservedSlugs[slug] {
		return fmt.Errorf("パーサースラッグ %q は予約されています", slug)
	}
	if _, exists := r.parsers[slug]; exists {
		return fmt.Errorf("パーサースラッグ %q は登録済みです", slug)
	}
	r.parsers[slug] = p
	r.order = append(r.order, slug)
	return nil
}

// Get は指定スラッグのパーサーを返す。未登録の場合はnilを返す。
func (r *Registry) Get(slug string) Parser {
	return r.parsers[slug]
}

// Slugs は登録済みスラッグを登録順で返す。
func (r *Registry) Slugs() []string {
	return append([]string(nil), r.order...)
}

// Discover はURLを1回フェッチし、全パーサーと汎用リンクスキャンから
// フィード候補を収集して信頼度順に整列した結果を返す。
//
// 候補は結果URLをキーとしてマージされる。パーサーが自ら申告した候補は
// 同一URLの汎用スキャン候補より優先されるが、パーサー割り当てを欠く
// 申告候補は汎用候補の情報で補完される。
// マーカーリレーションを持つ候補は信頼度スコアリングを経ずに
// ConfidenceMaxが割り当てられる。
func (r *Registry) Discover(ctx context.Context, rawURL string) ([]Candidate, error) {
	result, err := r.client.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		URL:      result.URL,
		MimeType: result.MimeType,
		Body:     result.Body,
	}

	merged := make(map[string]Candidate)
	var urls []string // マージ順を保持する

	add := func(c Candidate, parserDeclared bool) {
		c.URL = normalizeCandidateURL(doc.URL, c.URL)
		if c.URL == "" {
			return
		}
		existing, ok := merged[c.URL]
		if !ok {
			merged[c.URL] = c
			urls = append(urls, c.URL)
			return
		}
		// パーサー申告候補が優先。ただしパーサー割り当てを欠く場合は
		// 既存候補のスラッグを引き継ぐ。
		if parserDeclared {
			if c.ParserSlug == "" {
				c.ParserSlug = existing.ParserSlug
			}
			if c.Title == "" {
				c.Title = existing.Title
			}
			if c.Relation == "" {
				c.Relation = existing.Relation
			}
			merged[c.URL] = c
			return
		}
		// 汎用候補は既存のパーサー申告候補を上書きしないが、
		// 欠けている情報を補完する。
		if existing.Title == "" {
			existing.Title = c.Title
		}
		if existing.Relation == "" {
			existing.Relation = c.Relation
		}
		if existing.MimeType == "" {
			existing.MimeType = c.MimeType
		}
		merged[c.URL] = existing
	}

	for _, slug := range r.order {
		for _, c := range r.parsers[slug].Discover(doc) {
			add(c, true)
		}
	}
	for _, c := range scanLinkRelations(doc) {
		add(c, false)
	}

	if len(urls) == 0 {
		return nil, model.NewFeedNotDetectedError(rawURL)
	}

	// 生き残った各候補にパーサーと信頼度を割り当てる
	markerPresent := false
	candidates := make([]Candidate, 0, len(urls))
	for _, u := range urls {
		c := merged[u]
		if c.Relation == MarkerRelation {
			markerPresent = true
			c.Confidence = ConfidenceMax
			if c.ParserSlug == "" {
				c.ParserSlug = r.bestParserSlug(c, doc)
			}
		} else {
			slug, confidence := r.scoreCandidate(c, doc)
			if confidence == ConfidenceNone {
				continue
			}
			c.ParserSlug = slug
			c.Confidence = confidence
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, model.NewFeedNotDetectedError(rawURL)
	}

	markAutoselect(candidates, markerPresent)
	sortCandidates(candidates, markerPresent)
	return candidates, nil
}

// scoreCandidate は全パーサーに信頼度を問い合わせ、最高スコアの
// パーサースラッグとスコアを返す。候補に既にパーサーが割り当て済みの
// 場合はそのパーサーのスコアを優先し、0の場合のみ再割り当てする。
func (r *Registry) scoreCandidate(c Candidate, doc *Document) (string, int) {
	sample := sampleFor(c, doc)

	if c.ParserSlug != "" {
		if p := r.parsers[c.ParserSlug]; p != nil {
			if score := p.Confidence(c.URL, c.MimeType, c.Title, sample); score > ConfidenceNone {
				return c.ParserSlug, score
			}
		}
	}

	bestSlug, bestScore := "", ConfidenceNone
	for _, slug := range r.order {
		score := r.parsers[slug].Confidence(c.URL, c.MimeType, c.Title, sample)
		if score > bestScore {
			bestSlug, bestScore = slug, score
		}
	}
	return bestSlug, bestScore
}

func (r *Registry) bestParserSlug(c Candidate, doc *Document) string {
	slug, _ := r.scoreCandidate(c, doc)
	return slug
}

// sampleFor は候補がフェッチ済みドキュメント自身を指す場合のみ
// ボディをコンテンツサンプルとして返す。
func sampleFor(c Candidate, doc *Document) []byte {
	if c.URL == doc.URL {
		return doc.Body
	}
	return nil
}

// markAutoselect は自動選択対象の候補を高々1つ選ぶ。
// マーカーが存在する場合は正規のselfフィードを優先し、
// 存在しない場合はalternate（メインコンテンツフィード）を優先する。
func markAutoselect(candidates []Candidate, markerPresent bool) {
	best := -1
	bestScore := -1
	for i, c := range candidates {
		score := c.Confidence
		if markerPresent {
			if c.Relation == "self" || c.Relation == MarkerRelation {
				score += 1000
			}
		} else {
			if c.Relation == "alternate" {
				score += 1000
			}
		}
		// コメント専用フィードよりメインフィードを優先する
		if strings.Contains(strings.ToLower(c.URL), "comment") {
			score -= 500
		}
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best >= 0 {
		candidates[best].Autoselect = true
	}
}

// relationRank はソート用のリレーション優先度を返す。小さいほど優先。
func relationRank(relation string, markerPresent bool) int {
	order := []string{"alternate", "self", MarkerRelation}
	if markerPresent {
		order = []string{"self", MarkerRelation, "alternate"}
	}
	for i, rel := range order {
		if relation == rel {
			return i
		}
	}
	return len(order)
}

// sortCandidates は候補を autoselect > リレーション優先度 > タイトル辞書順 で整列する。
func sortCandidates(candidates []Candidate, markerPresent bool) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Autoselect != b.Autoselect {
			return a.Autoselect
		}
		ra, rb := relationRank(a.Relation, markerPresent), relationRank(b.Relation, markerPresent)
		if ra != rb {
			return ra < rb
		}
		return a.Title < b.Title
	})
}

// scanLinkRelations はHTMLドキュメントのheadタグからlink要素を走査し、
// パーサー割り当てのない汎用候補を返す。マーカーリレーションの検出も
// ここで行われる。
func scanLinkRelations(doc *Document) []Candidate {
	if !strings.Contains(doc.MimeType, "html") {
		return nil
	}

	var candidates []Candidate
	tokenizer := html.NewTokenizer(bytes.NewReader(doc.Body))
	inHead := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return candidates

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			if tagName == "head" {
				inHead = true
				continue
			}
			if tagName == "body" {
				return candidates
			}
			if !inHead || tagName != "link" || !hasAttr {
				continue
			}

			var rel, linkType, href, title string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					linkType = strings.ToLower(string(val))
				case "href":
					href = string(val)
				case "title":
					title = string(val)
				}
				if !more {
					break
				}
			}

			if href == "" {
				continue
			}
			if rel != "alternate" && rel != MarkerRelation {
				continue
			}
			candidates = append(candidates, Candidate{
				URL:      href,
				Title:    title,
				MimeType: linkType,
				Relation: rel,
			})

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "head" {
				return candidates
			}
		}
	}
}

// normalizeCandidateURL は相対URLをドキュメントURLを基準に絶対URLへ解決する。
func normalizeCandidateURL(baseURL, rawRef string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if !resolved.IsAbs() || resolved.Host == "" {
		return ""
	}
	return resolved.String()
}

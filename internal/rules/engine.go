// Package rules は購読ごとのコンテンツフィルタルールの検証と評価を提供する。
//
// ルールは保存時にのみ検証され、評価時には決して失敗しない。
// 不正なルール定義は保存を拒否されるか黙って除外されるため、
// 同期パスの途中でルール起因のエラーが発生することはない。
package rules

import (
	"log/slog"
	"regexp"

	"github.com/hitoshi/tomodachi/internal/model"
)

// Engine はルールの評価器。状態を持たず、複数ゴルーチンから安全に使用できる。
type Engine struct {
	logger *slog.Logger
}

// NewEngine はEngineを生成する。
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Validate は単一ルールの定義を検証する。
// フィールド・アクションが閉集合に含まれ、正規表現がコンパイル可能で、
// replaceアクションには置換テキストが必要となる。
func Validate(rule *model.Rule) error {
	if !model.ValidRuleField(rule.Field) {
		return model.NewInvalidRuleError("不明なフィールド: " + string(rule.Field))
	}
	if !model.ValidRuleAction(rule.Action) {
		return model.NewInvalidRuleError("不明なアクション: " + string(rule.Action))
	}
	if rule.Regex == "" {
		return model.NewInvalidRuleError("正規表現が空です")
	}
	if _, err := regexp.Compile(rule.Regex); err != nil {
		return model.NewInvalidRuleError("正規表現をコンパイルできません: " + err.Error())
	}
	if rule.Action == model.RuleActionReplace && rule.ReplaceWith == "" {
		return model.NewInvalidRuleError("replaceアクションには置換テキストが必要です")
	}
	return nil
}

// Sanitize は保存時のルールリスト検証を行い、不正なルールを除外した
// リストを返す。除外されたルールはログに記録される。
// 生き残ったルールのpositionは0から振り直される。
func (e *Engine) Sanitize(ruleList []*model.Rule) []*model.Rule {
	valid := make([]*model.Rule, 0, len(ruleList))
	for _, rule := range ruleList {
		if err := Validate(rule); err != nil {
			e.logger.Warn("不正なルールを除外しました",
				slog.String("field", string(rule.Field)),
				slog.String("action", string(rule.Action)),
				slog.String("regex", rule.Regex),
				slog.String("error", err.Error()),
			)
			continue
		}
		rule.Position = len(valid)
		valid = append(valid, rule)
	}
	return valid
}

// compiledRule は評価用にコンパイル済みのルール。
type compiledRule struct {
	field       model.RuleField
	re          *regexp.Regexp
	action      model.RuleAction
	replaceWith string
}

// Evaluate はアイテムに対してルールを順に評価し、最終アクションを返す。
//
// replaceルールは一致部分をその場で置換して次のルールへ続行する。
// それ以外のルールは一致した時点で評価を打ち切り、そのアクションを返す。
// どのルールにも一致しない場合はcatchAllが適用される。
// コンパイルできないルールは評価をスキップする（保存時検証のすり抜けを
// 評価エラーにしないため）。
func (e *Engine) Evaluate(item *model.FeedItem, ruleList []*model.Rule, catchAll model.RuleAction) model.RuleAction {
	for _, rule := range ruleList {
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			e.logger.Warn("ルールの正規表現をコンパイルできないためスキップします",
				slog.String("rule_id", rule.ID),
				slog.String("regex", rule.Regex),
			)
			continue
		}
		compiled := compiledRule{
			field:       rule.Field,
			re:          re,
			action:      rule.Action,
			replaceWith: rule.ReplaceWith,
		}
		if action, done := applyRule(item, compiled); done {
			return action
		}
	}
	if !model.ValidCatchAllAction(catchAll) {
		return model.RuleActionAccept
	}
	return catchAll
}

// applyRule は1ルールを適用する。doneがtrueの場合は評価を打ち切る。
func applyRule(item *model.FeedItem, rule compiledRule) (model.RuleAction, bool) {
	value := item.FieldValue(rule.field)
	if !rule.re.MatchString(value) {
		return "", false
	}
	if rule.action == model.RuleActionReplace {
		item.SetFieldValue(rule.field, rule.re.ReplaceAllString(value, rule.replaceWith))
		return "", false
	}
	return rule.action, true
}

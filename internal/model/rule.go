// Package model はドメインモデルを定義する。
package model

// RuleField はルールの照合対象フィールドを表す。
type RuleField string

const (
	// RuleFieldTitle はタイトルに対する照合。
	RuleFieldTitle RuleField = "title"
	// RuleFieldContent は本文に対する照合。
	RuleFieldContent RuleField = "content"
	// RuleFieldPermalink はパーマリンクに対する照合。
	RuleFieldPermalink RuleField = "permalink"
	// RuleFieldAuthor は著者名に対する照合。
	RuleFieldAuthor RuleField = "author"
)

// ValidRuleField はフィールド値が既知の閉集合に含まれるかを検証する。
func ValidRuleField(f RuleField) bool {
	switch f {
	case RuleFieldTitle, RuleFieldContent, RuleFieldPermalink, RuleFieldAuthor:
		return true
	}
	return false
}

// RuleAction はルール一致時の動作を表す。
type RuleAction string

const (
	// RuleActionAccept はアイテムをそのまま受理する。
	RuleActionAccept RuleAction = "accept"
	// RuleActionTrash はアイテムの保存ステータスをtrashに上書きする。
	RuleActionTrash RuleAction = "trash"
	// RuleActionDelete はアイテムを保存対象から除外する。
	RuleActionDelete RuleAction = "delete"
	// RuleActionReplace は一致部分を置換して評価を続行する。
	RuleActionReplace RuleAction = "replace"
)

// ValidRuleAction はアクション値が既知の閉集合に含まれるかを検証する。
func ValidRuleAction(a RuleAction) bool {
	switch a {
	case RuleActionAccept, RuleActionTrash, RuleActionDelete, RuleActionReplace:
		return true
	}
	return false
}

// ValidCatchAllAction はキャッチオール（どのルールにも一致しない場合の動作）として
// 許可されるアクションかを検証する。replaceはキャッチオールになれない。
func ValidCatchAllAction(a RuleAction) bool {
	switch a {
	case RuleActionAccept, RuleActionTrash, RuleActionDelete:
		return true
	}
	return false
}

// Rule はアクターごとの受信アイテムフィルタリングルールを表す。
// Positionの昇順で評価される。
type Rule struct {
	ID          string
	ActorID     string
	Position    int
	Field       RuleField
	Regex       string
	Action      RuleAction
	ReplaceWith string // Action == replace の場合の置換文字列
}

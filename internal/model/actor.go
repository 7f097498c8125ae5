// Package model はドメインモデルを定義する。
package model

import "time"

// Role はアクターとの信頼関係の段階を表す。
type Role string

const (
	// RoleSubscription は認証なしの一方向購読を表す。
	RoleSubscription Role = "subscription"
	// RolePendingFriendRequest は自サイトから送信済みで相手の承認待ちの状態を表す。
	RolePendingFriendRequest Role = "pending_friend_request"
	// RoleFriendRequest は相手サイトから受信した未承認の申請を表す。
	RoleFriendRequest Role = "friend_request"
	// RoleFriend は相互認証済みのフレンド関係を表す。
	RoleFriend Role = "friend"
)

// ValidRole はロール値が既知の閉集合に含まれるかを検証する。
func ValidRole(r Role) bool {
	switch r {
	case RoleSubscription, RolePendingFriendRequest, RoleFriendRequest, RoleFriend:
		return true
	}
	return false
}

// Actor は購読またはフレンド関係にあるリモートサイトのローカルレコードを表す。
// 信頼状態（ロールとトークン）はアクターに紐づく。
type Actor struct {
	ID          string
	Slug        string // サイトURLから導出される一意な識別子
	DisplayName string
	SiteURL     string
	IconURL     string
	Role        Role

	// 確定済みトークン。OutTokenは自サイトがリモートを呼ぶ際に、
	// InTokenはリモートが自サイトを呼ぶ際の認証に使用する。
	OutToken string
	InToken  string

	// ハンドシェイク進行中のみ使用される一時トークン。
	FutureOutToken string
	FutureInToken  string
	RequestID      string

	NewlyAdded bool // 初回同期が未完了の間true（初回同期は通知を抑制する）
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsFriend はロールがfriendであり、かつ両方向のトークンが揃っているかを返す。
// どちらかのトークンが欠けている場合、関係は未認証として扱う。
func (a *Actor) IsFriend() bool {
	return a.Role == RoleFriend && a.OutToken != "" && a.InToken != ""
}

// EffectiveRole はトークン不足によるダウングレードを反映したロールを返す。
func (a *Actor) EffectiveRole() Role {
	if a.Role == RoleFriend && !a.IsFriend() {
		return RoleSubscription
	}
	return a.Role
}

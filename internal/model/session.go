package model

import "time"

// Session は外部の認証サービスが発行したログインセッションを表す。
// 本サービスは参照のみ行う。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

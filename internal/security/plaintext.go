// Package security はアプリケーションのセキュリティ機能を提供する。
//
// PlainTextSanitizer は投稿本文からマークアップを取り除き、
// 各プラットフォームへそのまま送信できるプレーンテキストに変換する。
package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// PlainTextSanitizer は投稿本文のプレーンテキスト化のインターフェース。
type PlainTextSanitizer interface {
	// PlainText はタグを全て除去し、HTMLエンティティを復元したテキストを返す。
	// 改行は\nに統一し、前後の空白を取り除く。
	PlainText(raw string) string
}

// lineBreakTags は除去前に改行へ置き換えるタグ。
var lineBreakTags = regexp.MustCompile(`(?i)<br\s*/?>|</p\s*>`)

type plainTextSanitizer struct {
	policy *bluemonday.Policy
}

// NewPlainTextSanitizer はPlainTextSanitizerを生成する。
// bluemondayのStrictPolicyで全てのタグを除去する。
func NewPlainTextSanitizer() *plainTextSanitizer {
	return &plainTextSanitizer{policy: bluemonday.StrictPolicy()}
}

// PlainText はタグを全て除去したプレーンテキストを返す。
func (s *plainTextSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = lineBreakTags.ReplaceAllString(text, "\n")
	// StrictPolicyは&や<をエスケープして返すため元の文字に戻す
	text = html.UnescapeString(s.policy.Sanitize(text))
	return strings.TrimSpace(text)
}

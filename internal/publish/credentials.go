package publish

import (
	"github.com/hitoshi/skeetman/internal/platform"
	"github.com/hitoshi/skeetman/internal/security"
)

// CredentialResolver はプラットフォームの資格情報を解決する。
type CredentialResolver interface {
	// Resolve は資格情報を返す。設定されていない場合はnilを返す。
	Resolve(platformID string) *platform.Credentials
	// Validate は資格情報が送信に使えるかを検証する。
	Validate(platformID string, creds *platform.Credentials) error
}

// StaticCredentialResolver は起動時に読み込んだ資格情報を返すCredentialResolver。
type StaticCredentialResolver struct {
	creds map[string]platform.Credentials
	guard security.EndpointGuard
}

// NewStaticCredentialResolver はStaticCredentialResolverを生成する。
func NewStaticCredentialResolver(creds map[string]platform.Credentials, guard security.EndpointGuard) *StaticCredentialResolver {
	return &StaticCredentialResolver{creds: creds, guard: guard}
}

var _ CredentialResolver = (*StaticCredentialResolver)(nil)

// Resolve は資格情報を返す。全ての項目が空の場合は未設定としてnilを返す。
func (r *StaticCredentialResolver) Resolve(platformID string) *platform.Credentials {
	c, ok := r.creds[platformID]
	if !ok || (c.ServerURL == "" && c.Identifier == "" && c.Secret == "") {
		return nil
	}
	return &c
}

// Validate はサーバーURLが安全な外部エンドポイントであることを検証し、正規化したURLで置き換える。
func (r *StaticCredentialResolver) Validate(platformID string, creds *platform.Credentials) error {
	if creds == nil {
		return &platform.CredentialsError{Platform: platformID, Missing: true, Reason: "資格情報が設定されていません"}
	}
	if creds.ServerURL == "" {
		return nil
	}
	normalized, err := r.guard.NormalizeEndpoint(creds.ServerURL)
	if err != nil {
		return &platform.CredentialsError{Platform: platformID, Reason: "サーバーURLが不正です: " + err.Error()}
	}
	creds.ServerURL = normalized
	return nil
}

package model

import (
	"strings"
	"time"
)

const (
	// TemplateNamespace はテンプレート画像を格納するオブジェクトストア上の名前空間。
	TemplateNamespace = "templates"
	// CredentialNamespace は生成済み修了証PDFを格納する名前空間。
	CredentialNamespace = "certificates"
)

// Credential はモジュール修了の証明書レコードを表す。
// (StudentID, ModuleID) の組は一意。
type Credential struct {
	ID        string
	StudentID string
	ModuleID  string
	IssuedAt  time.Time

	// ArtifactPath はPDFの格納パス。空文字はレンダリング待ち（pending）。
	ArtifactPath string
}

// Pending はPDFがまだ添付されていないかどうかを返す。
func (c *Credential) Pending() bool {
	return c.ArtifactPath == ""
}

// IssueStatus は発行処理の結果種別。
type IssueStatus string

const (
	IssueStatusIssued        IssueStatus = "Issued"
	IssueStatusAlreadyIssued IssueStatus = "AlreadyIssued"
	IssueStatusNotEligible   IssueStatus = "NotEligible"
)

// TemplateArtifact はテンプレート名前空間内のバイナリオブジェクトのメタデータ。
type TemplateArtifact struct {
	Name        string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
}

// TemplatePath はテンプレート名からオブジェクトパスを組み立てる。
func TemplatePath(name string) string {
	return TemplateNamespace + "/" + name
}

// IsCredentialPath はパスが修了証名前空間配下かどうかを返す。
func IsCredentialPath(path string) bool {
	rest, ok := strings.CutPrefix(path, CredentialNamespace+"/")
	return ok && rest != "" && !strings.Contains(rest, "..")
}

// AccessGrant は署名付きURLによる期限付きアクセス権。永続化しない。
type AccessGrant struct {
	Path      string
	URL       string
	ExpiresAt time.Time
}

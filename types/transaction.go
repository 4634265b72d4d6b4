package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Transaction errors
var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidTxSignature = errors.New("invalid transaction signature")
	ErrPayloadMismatch    = errors.New("payload kind does not match its body")
)

// MaxNameLength bounds the free-form identifiers carried in payloads.
const MaxNameLength = 256

// TxKind enumerates the state-changing operations of the platform.
type TxKind uint8

const (
	TxKindUnknown TxKind = iota
	TxKindGitPush
	TxKindCreateRepository
	TxKindDeleteRepository
	TxKindCreatePullRequest
	TxKindUpdatePullRequest
	TxKindMergePullRequest
	TxKindCreateIssue
	TxKindUpdateIssue
	TxKindCreateComment
	TxKindCreateReview
	TxKindCreateOrganization
	TxKindUpdateOrganization
	TxKindAddOrgMember
	TxKindRemoveOrgMember
	TxKindCreateTeam
	TxKindDeleteTeam
	TxKindAddTeamMember
	TxKindRemoveTeamMember
	TxKindAddTeamRepo
	TxKindSetCollaborator
	TxKindRemoveCollaborator
	TxKindSetBranchProtection
	TxKindRemoveBranchProtection
)

var txKindNames = map[TxKind]string{
	TxKindGitPush:                "git_push",
	TxKindCreateRepository:       "create_repository",
	TxKindDeleteRepository:       "delete_repository",
	TxKindCreatePullRequest:      "create_pull_request",
	TxKindUpdatePullRequest:      "update_pull_request",
	TxKindMergePullRequest:       "merge_pull_request",
	TxKindCreateIssue:            "create_issue",
	TxKindUpdateIssue:            "update_issue",
	TxKindCreateComment:          "create_comment",
	TxKindCreateReview:           "create_review",
	TxKindCreateOrganization:     "create_organization",
	TxKindUpdateOrganization:     "update_organization",
	TxKindAddOrgMember:           "add_org_member",
	TxKindRemoveOrgMember:        "remove_org_member",
	TxKindCreateTeam:             "create_team",
	TxKindDeleteTeam:             "delete_team",
	TxKindAddTeamMember:          "add_team_member",
	TxKindRemoveTeamMember:       "remove_team_member",
	TxKindAddTeamRepo:            "add_team_repo",
	TxKindSetCollaborator:        "set_collaborator",
	TxKindRemoveCollaborator:     "remove_collaborator",
	TxKindSetBranchProtection:    "set_branch_protection",
	TxKindRemoveBranchProtection: "remove_branch_protection",
}

func (k TxKind) String() string {
	if name, ok := txKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// RefUpdate moves a git reference, as produced by a push.
type RefUpdate struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Owner string `codec:"owner"`
	Repo  string `codec:"repo"`
	Ref   string `codec:"ref"`
	OldID string `codec:"old"`
	NewID string `codec:"new"`
}

// Repository names a repository and, on creation, its metadata.
type Repository struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Owner         string `codec:"owner"`
	Name          string `codec:"name"`
	Description   string `codec:"desc"`
	DefaultBranch string `codec:"branch"`
}

// PullRequestUpdate creates, edits or merges a pull request.
type PullRequestUpdate struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Owner        string `codec:"owner"`
	Repo         string `codec:"repo"`
	Number       uint32 `codec:"num"`
	Title        string `codec:"title"`
	Description  string `codec:"desc"`
	SourceBranch string `codec:"src"`
	TargetBranch string `codec:"dst"`
	SourceCommit string `codec:"srcc"`
	State        string `codec:"state"`
	MergeCommit  string `codec:"merge"`
}

// IssueUpdate creates or edits an issue.
type IssueUpdate struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Owner       string   `codec:"owner"`
	Repo        string   `codec:"repo"`
	Number      uint32   `codec:"num"`
	Title       string   `codec:"title"`
	Description string   `codec:"desc"`
	State       string   `codec:"state"`
	Labels      []string `codec:"labels"`
}

// Comment is posted on a pull request or an issue.
type Comment struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Owner  string `codec:"owner"`
	Repo   string `codec:"repo"`
	Target string `codec:"target"`
	Number uint32 `codec:"num"`
	Body   string `codec:"body"`
}

// Review is a pull request review.
type Review struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Owner    string `codec:"owner"`
	Repo     string `codec:"repo"`
	Number   uint32 `codec:"num"`
	Verdict  string `codec:"verdict"`
	Body     string `codec:"body"`
	CommitID string `codec:"commit"`
}

// OrgUpdate creates or edits an organization or its membership.
type OrgUpdate struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Org         string `codec:"org"`
	DisplayName string `codec:"display"`
	Description string `codec:"desc"`
	Member      string `codec:"member"`
	Role        string `codec:"role"`
}

// TeamSpec creates, deletes or edits a team.
type TeamSpec struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Org        string `codec:"org"`
	Team       string `codec:"team"`
	Permission string `codec:"perm"`
	Member     string `codec:"member"`
	Repo       string `codec:"repo"`
}

// CollaboratorUpdate grants or revokes direct repository access.
type CollaboratorUpdate struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Owner      string `codec:"owner"`
	Repo       string `codec:"repo"`
	User       string `codec:"user"`
	Permission string `codec:"perm"`
}

// BranchProtectionSpec sets or removes a branch protection rule.
type BranchProtectionSpec struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Owner           string   `codec:"owner"`
	Repo            string   `codec:"repo"`
	Pattern         string   `codec:"pattern"`
	RequirePR       bool     `codec:"pr"`
	RequiredReviews uint32   `codec:"reviews"`
	RequiredChecks  []string `codec:"checks"`
}

// Payload is a tagged union: Kind selects exactly one non-nil body.
type Payload struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Kind             TxKind                `codec:"k"`
	RefUpdate        *RefUpdate            `codec:"ref"`
	Repository       *Repository           `codec:"repo"`
	PullRequest      *PullRequestUpdate    `codec:"pr"`
	Issue            *IssueUpdate          `codec:"issue"`
	Comment          *Comment              `codec:"cmt"`
	Review           *Review               `codec:"rev"`
	Org              *OrgUpdate            `codec:"org"`
	Team             *TeamSpec             `codec:"team"`
	Collaborator     *CollaboratorUpdate   `codec:"collab"`
	BranchProtection *BranchProtectionSpec `codec:"bp"`
}

// bodyCount returns how many bodies are set.
func (p *Payload) bodyCount() int {
	n := 0
	for _, set := range []bool{
		p.RefUpdate != nil, p.Repository != nil, p.PullRequest != nil,
		p.Issue != nil, p.Comment != nil, p.Review != nil, p.Org != nil,
		p.Team != nil, p.Collaborator != nil, p.BranchProtection != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// hasKindBody reports whether the body Kind requires is set.
func (p *Payload) hasKindBody() bool {
	switch p.Kind {
	case TxKindGitPush:
		return p.RefUpdate != nil
	case TxKindCreateRepository, TxKindDeleteRepository:
		return p.Repository != nil
	case TxKindCreatePullRequest, TxKindUpdatePullRequest, TxKindMergePullRequest:
		return p.PullRequest != nil
	case TxKindCreateIssue, TxKindUpdateIssue:
		return p.Issue != nil
	case TxKindCreateComment:
		return p.Comment != nil
	case TxKindCreateReview:
		return p.Review != nil
	case TxKindCreateOrganization, TxKindUpdateOrganization, TxKindAddOrgMember, TxKindRemoveOrgMember:
		return p.Org != nil
	case TxKindCreateTeam, TxKindDeleteTeam, TxKindAddTeamMember, TxKindRemoveTeamMember, TxKindAddTeamRepo:
		return p.Team != nil
	case TxKindSetCollaborator, TxKindRemoveCollaborator:
		return p.Collaborator != nil
	case TxKindSetBranchProtection, TxKindRemoveBranchProtection:
		return p.BranchProtection != nil
	}
	return false
}

// ValidateBasic checks that exactly one body is set and that it matches Kind.
func (p *Payload) ValidateBasic() error {
	if _, ok := txKindNames[p.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidTransaction, p.Kind)
	}
	if n := p.bodyCount(); n != 1 || !p.hasKindBody() {
		return fmt.Errorf("%w: kind %s with %d bodies", ErrPayloadMismatch, p.Kind, n)
	}

	owner, name := p.repoParts()
	switch {
	case p.Org != nil:
		if p.Org.Org == "" {
			return fmt.Errorf("%w: empty organization", ErrInvalidTransaction)
		}
	case p.Team != nil:
		if p.Team.Org == "" || p.Team.Team == "" {
			return fmt.Errorf("%w: empty team", ErrInvalidTransaction)
		}
	default:
		if owner == "" || name == "" {
			return fmt.Errorf("%w: empty repository key", ErrInvalidTransaction)
		}
	}
	if len(owner) > MaxNameLength || len(name) > MaxNameLength {
		return fmt.Errorf("%w: repository key too long", ErrInvalidTransaction)
	}
	return nil
}

func (p *Payload) repoParts() (owner, name string) {
	switch {
	case p.RefUpdate != nil:
		return p.RefUpdate.Owner, p.RefUpdate.Repo
	case p.Repository != nil:
		return p.Repository.Owner, p.Repository.Name
	case p.PullRequest != nil:
		return p.PullRequest.Owner, p.PullRequest.Repo
	case p.Issue != nil:
		return p.Issue.Owner, p.Issue.Repo
	case p.Comment != nil:
		return p.Comment.Owner, p.Comment.Repo
	case p.Review != nil:
		return p.Review.Owner, p.Review.Repo
	case p.Collaborator != nil:
		return p.Collaborator.Owner, p.Collaborator.Repo
	case p.BranchProtection != nil:
		return p.BranchProtection.Owner, p.BranchProtection.Repo
	}
	return "", ""
}

// RepoKey returns "owner/name" for repository-scoped payloads and "" otherwise.
func (p *Payload) RepoKey() string {
	owner, name := p.repoParts()
	if owner == "" && name == "" {
		return ""
	}
	return owner + "/" + name
}

// Transaction is a signed state change submitted by a client.
type Transaction struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Author    PublicKey `codec:"author"`
	Nonce     uint64    `codec:"nonce"`
	Payload   Payload   `codec:"payload"`
	Signature Signature `codec:"sig"`
}

// txBody is the signed portion of a transaction.
type txBody struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Author  PublicKey `codec:"author"`
	Nonce   uint64    `codec:"nonce"`
	Payload Payload   `codec:"payload"`
}

const txSignPrefix = "gutsberry/tx"

// NewTransaction returns an unsigned transaction.
func NewTransaction(author PublicKey, nonce uint64, payload Payload) *Transaction {
	return &Transaction{Author: author, Nonce: nonce, Payload: payload}
}

// SignBytes returns the bytes covered by the author's signature.
func (tx *Transaction) SignBytes() []byte {
	body := txBody{Author: tx.Author, Nonce: tx.Nonce, Payload: tx.Payload}
	return append([]byte(txSignPrefix), Encode(&body)...)
}

// ID returns the content hash of the signed body. Two transactions with the
// same ID are the same transaction.
func (tx *Transaction) ID() TransactionID {
	return TransactionID(HashBytes(tx.SignBytes()))
}

// Kind returns the payload kind.
func (tx *Transaction) Kind() TxKind {
	return tx.Payload.Kind
}

// Size returns the encoded size in bytes.
func (tx *Transaction) Size() int {
	return len(Encode(tx))
}

// Sign sets Author from key and signs the transaction.
func (tx *Transaction) Sign(key ed25519.PrivateKey) {
	pub := key.Public().(ed25519.PublicKey)
	copy(tx.Author[:], pub)
	copy(tx.Signature[:], ed25519.Sign(key, tx.SignBytes()))
}

// VerifySignature checks the author's signature over the signed body.
func (tx *Transaction) VerifySignature() error {
	if tx.Signature.IsZero() {
		return fmt.Errorf("%w: missing", ErrInvalidTxSignature)
	}
	if !tx.Author.Verify(tx.SignBytes(), tx.Signature) {
		return ErrInvalidTxSignature
	}
	return nil
}

// ValidateBasic performs stateless checks on the transaction shape.
func (tx *Transaction) ValidateBasic() error {
	if tx.Author.IsZero() {
		return fmt.Errorf("%w: missing author", ErrInvalidTransaction)
	}
	return tx.Payload.ValidateBasic()
}

// DecodeTransaction decodes a transaction from its canonical encoding.
func DecodeTransaction(data []byte) (*Transaction, error) {
	tx := &Transaction{}
	if err := Decode(data, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

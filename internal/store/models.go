package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID            string
	Email         string
	FullName      string
	AvatarURL     string
	PasswordHash  string
	IsAdmin       bool
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Workspace struct {
	ID        string
	Name      string
	OwnerID   string
	Role      string // caller's membership role when listed for a user
	CreatedAt time.Time
}

type Member struct {
	ID          string
	WorkspaceID string
	UserID      string
	Role        string
	FullName    string
	Email       string
	JoinedAt    time.Time
}

type Invitation struct {
	ID            string
	WorkspaceID   string
	WorkspaceName string
	Email         string
	Token         string
	Role          string
	InvitedBy     string
	ExpiresAt     time.Time
	AcceptedAt    *time.Time
	CreatedAt     time.Time
}

type PublicSettings struct {
	ShowOverview   bool   `json:"show_overview"`
	ShowMilestones bool   `json:"show_milestones"`
	ShowTeam       bool   `json:"show_team"`
	PrimaryColor   string `json:"primary_color,omitempty"`
}

type Project struct {
	ID             string
	Name           string
	Description    string
	WorkspaceID    string
	OwnerID        string
	IsPublic       bool
	PublicSettings *PublicSettings
	CoverImage     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TaskColumn struct {
	ID         string
	ProjectID  string
	Name       string
	OrderIndex int
	Color      string
	CreatedAt  time.Time
}

type Subtask struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type Task struct {
	ID          string
	ProjectID   string
	ColumnID    string
	Title       string
	Description string
	Priority    string
	DueDate     *time.Time
	OrderIndex  int
	Labels      []string
	Subtasks    []Subtask
	AssigneeID  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ProjectDocument struct {
	ID        string
	ProjectID string
	Title     string
	Content   json.RawMessage
	IsMainGDD bool
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type GDDTemplate struct {
	ID          string
	Slug        string
	Name        string
	Description string
	Category    string
	Content     json.RawMessage
	CreatedAt   time.Time
}

type WorldNode struct {
	ID            string
	ProjectID     string
	X             float64
	Y             float64
	Label         string
	Color         string
	NodeType      string
	Description   string
	ImageURL      string
	GameplayNotes string
	Lore          string
	Tags          []string
	Metadata      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type WorldConnection struct {
	ID             string
	ProjectID      string
	FromNodeID     string
	ToNodeID       string
	ConnectionType string
	Requirements   string
	Notes          string
	CreatedAt      time.Time
}

type System struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	Inputs      []string
	Outputs     []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Milestone struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	DueDate     *time.Time
	Status      string
	Progress    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Title     string
	Message   string
	Type      string
	Link      string
	IsRead    bool
	CreatedAt time.Time
}

type ContentPost struct {
	ID             string
	Slug           string
	Title          string
	Type           string
	Excerpt        string
	Content        json.RawMessage
	CoverImage     string
	SEOTitle       string
	SEODescription string
	Published      bool
	PublishedAt    *time.Time
	AuthorID       *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RecentNode is the slim projection used by the project overview feed.
type RecentNode struct {
	ID        string
	Label     string
	CreatedAt time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

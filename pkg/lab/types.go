// Package lab defines the records shared by every labfarm component:
// users, boards, test jobs, notifications, test cases and the AI
// configuration. JSON field names follow the historical export format so
// that older backups import without conversion.
package lab

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role is a user's privilege level.
type Role string

// Roles ordered from most to least privileged.
const (
	RoleAdmin   Role = "ADMIN"
	RoleLabCrew Role = "LAB_CREW"
	RoleTester  Role = "TESTER"
	RoleUser    Role = "USER"
	RoleViewer  Role = "VIEWER"
)

var roleRank = map[Role]int{
	RoleAdmin:   4,
	RoleLabCrew: 3,
	RoleTester:  2,
	RoleUser:    1,
	RoleViewer:  0,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]

	return ok
}

// Rank returns the position of r in the privilege order. Unknown roles
// rank below VIEWER.
func (r Role) Rank() int {
	rank, ok := roleRank[r]
	if !ok {
		return -1
	}

	return rank
}

// SeesAllBoards reports whether the role bypasses board visibility filtering.
func (r Role) SeesAllBoards() bool {
	return r == RoleAdmin || r == RoleLabCrew || r == RoleTester
}

// ManagesBoards reports whether the role may run board administration:
// maintenance, visibility, approval, forced release and provisioning.
func (r Role) ManagesBoards() bool {
	return r == RoleAdmin || r == RoleLabCrew
}

// CanReserve reports whether the role may reserve boards and submit jobs.
func (r Role) CanReserve() bool {
	return r.Valid() && r != RoleViewer
}

// NeedsBoardApproval reports whether virtual boards requested by the role
// wait for approval before going online.
func (r Role) NeedsBoardApproval() bool {
	return r == RoleUser
}

// UserStatus is the account state of a user.
type UserStatus string

const (
	UserActive   UserStatus = "ACTIVE"
	UserPending  UserStatus = "PENDING"
	UserRejected UserStatus = "REJECTED"
)

// Valid reports whether s is a known status.
func (s UserStatus) Valid() bool {
	switch s {
	case UserActive, UserPending, UserRejected:
		return true
	default:
		return false
	}
}

// User is an account that acts on the lab.
type User struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name"`
	Email        string     `json:"email" yaml:"email"`
	Role         Role       `json:"role" yaml:"role"`
	Status       UserStatus `json:"status" yaml:"status"`
	BusinessUnit string     `json:"businessUnit,omitempty" yaml:"business_unit,omitempty"`
	Geosite      string     `json:"geosite,omitempty" yaml:"geosite,omitempty"`
	Project      string     `json:"project,omitempty" yaml:"project,omitempty"`
}

// Validate checks the user's required fields and enums.
func (u *User) Validate() error {
	if u.ID == "" {
		return Validationf("user id is required")
	}

	if u.Name == "" {
		return Validationf("user %s: name is required", u.ID)
	}

	if !u.Role.Valid() {
		return Validationf("user %s: unknown role %q", u.ID, u.Role)
	}

	if !u.Status.Valid() {
		return Validationf("user %s: unknown status %q", u.ID, u.Status)
	}

	return nil
}

// Active reports whether the account may act.
func (u *User) Active() bool {
	return u.Status == UserActive
}

// BoardType distinguishes physical hardware from simulated boards.
type BoardType string

const (
	BoardPhysical BoardType = "PHYSICAL"
	BoardVirtual  BoardType = "VIRTUAL"
)

// BoardStatus is the lifecycle state of a board.
type BoardStatus string

const (
	BoardOnline          BoardStatus = "ONLINE"
	BoardOffline         BoardStatus = "OFFLINE"
	BoardBusy            BoardStatus = "BUSY"
	BoardMaintenance     BoardStatus = "MAINTENANCE"
	BoardReserved        BoardStatus = "RESERVED"
	BoardPendingApproval BoardStatus = "PENDING_APPROVAL"
)

// Valid reports whether s is a known board status.
func (s BoardStatus) Valid() bool {
	switch s {
	case BoardOnline, BoardOffline, BoardBusy, BoardMaintenance,
		BoardReserved, BoardPendingApproval:
		return true
	default:
		return false
	}
}

// Visibility controls whether non-privileged users may list a record.
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// BoardSpecs describes the hardware of a board.
type BoardSpecs struct {
	CPU     string `json:"cpu" yaml:"cpu"`
	RAM     string `json:"ram" yaml:"ram"`
	Storage string `json:"storage" yaml:"storage"`
}

// BoardAccess holds the SSH details handed to the reservation holder.
type BoardAccess struct {
	SSHUser     string `json:"sshUser" yaml:"ssh_user"`
	SSHKey      string `json:"sshKey,omitempty" yaml:"ssh_key,omitempty"`
	SSHPassword string `json:"sshPassword,omitempty" yaml:"ssh_password,omitempty"`
}

// Board is a reservable compute resource. The reservation block is the
// set of Reserved* fields; it is either fully populated with End after
// Start while the board is RESERVED, or entirely empty otherwise.
type Board struct {
	ID               string       `json:"id" yaml:"id"`
	Name             string       `json:"name" yaml:"name"`
	IP               string       `json:"ip" yaml:"ip"`
	Type             BoardType    `json:"type" yaml:"type"`
	Status           BoardStatus  `json:"status" yaml:"status"`
	Visibility       Visibility   `json:"visibility" yaml:"visibility"`
	ReservedBy       string       `json:"reservedBy,omitempty" yaml:"reserved_by,omitempty"`
	ReservedUserID   string       `json:"reservedUserId,omitempty" yaml:"reserved_user_id,omitempty"`
	ReservationStart *time.Time   `json:"reservationStart,omitempty" yaml:"reservation_start,omitempty"`
	ReservationEnd   *time.Time   `json:"reservationEnd,omitempty" yaml:"reservation_end,omitempty"`
	Location         string       `json:"location" yaml:"location"`
	Specs            BoardSpecs   `json:"specs" yaml:"specs"`
	Access           *BoardAccess `json:"access,omitempty" yaml:"access,omitempty"`
	RequestedBy      string       `json:"requestedBy,omitempty" yaml:"requested_by,omitempty"`
}

// HasReservation reports whether the reservation block is fully populated
// with an end strictly after the start.
func (b *Board) HasReservation() bool {
	return b.ReservedBy != "" &&
		b.ReservedUserID != "" &&
		b.ReservationStart != nil &&
		b.ReservationEnd != nil &&
		b.ReservationEnd.After(*b.ReservationStart)
}

// reservationEmpty reports whether no reservation field is set.
func (b *Board) reservationEmpty() bool {
	return b.ReservedBy == "" &&
		b.ReservedUserID == "" &&
		b.ReservationStart == nil &&
		b.ReservationEnd == nil
}

// SetReservation fills the reservation block and marks the board RESERVED.
func (b *Board) SetReservation(holder User, start, end time.Time) {
	start, end = start.UTC(), end.UTC()

	b.Status = BoardReserved
	b.ReservedBy = holder.Name
	b.ReservedUserID = holder.ID
	b.ReservationStart = &start
	b.ReservationEnd = &end
}

// ClearReservation empties the reservation block. The status is left to
// the caller.
func (b *Board) ClearReservation() {
	b.ReservedBy = ""
	b.ReservedUserID = ""
	b.ReservationStart = nil
	b.ReservationEnd = nil
}

// Expired reports whether the board holds a reservation whose end is at
// or before now.
func (b *Board) Expired(now time.Time) bool {
	return b.Status == BoardReserved &&
		b.ReservationEnd != nil &&
		!b.ReservationEnd.After(now)
}

// Validate checks required fields, enums and the reservation invariant.
func (b *Board) Validate() error {
	if b.ID == "" {
		return Validationf("board id is required")
	}

	if b.Name == "" {
		return Validationf("board %s: name is required", b.ID)
	}

	if b.Type != BoardPhysical && b.Type != BoardVirtual {
		return Validationf("board %s: unknown type %q", b.ID, b.Type)
	}

	if !b.Status.Valid() {
		return Validationf("board %s: unknown status %q", b.ID, b.Status)
	}

	if !b.Visibility.Valid() {
		return Validationf("board %s: unknown visibility %q", b.ID, b.Visibility)
	}

	if b.Status == BoardReserved && !b.HasReservation() {
		return Validationf("board %s: reserved without a complete reservation window", b.ID)
	}

	if b.Status != BoardReserved && !b.reservationEmpty() {
		return Validationf("board %s: reservation data on a %s board", b.ID, b.Status)
	}

	return nil
}

// JobStatus is the lifecycle state of a test job.
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobPassed  JobStatus = "PASSED"
	JobFailed  JobStatus = "FAILED"
	JobError   JobStatus = "ERROR"
)

// Terminal reports whether s is a final job status.
func (s JobStatus) Terminal() bool {
	return s == JobPassed || s == JobFailed || s == JobError
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	return s == JobPending || s == JobRunning || s.Terminal()
}

// ModelTag names the analysis model selected for a job.
type ModelTag string

const (
	ModelAuto         ModelTag = "Auto-Select (GenAI)"
	ModelLSTM         ModelTag = "LSTM (Time Series)"
	ModelCNN          ModelTag = "CNN (Pattern/Visual)"
	ModelRNN          ModelTag = "RNN (Sequential)"
	ModelTransformer  ModelTag = "Transformer (Complex Logic)"
	ModelRandomForest ModelTag = "Random Forest (Regression)"
)

// ModelTags lists every selectable model.
var ModelTags = []ModelTag{
	ModelAuto, ModelLSTM, ModelCNN, ModelRNN, ModelTransformer, ModelRandomForest,
}

// Valid reports whether m is one of ModelTags.
func (m ModelTag) Valid() bool {
	for _, t := range ModelTags {
		if t == m {
			return true
		}
	}

	return false
}

// TestJob is one submitted test execution.
type TestJob struct {
	ID              string     `json:"id" yaml:"id"`
	UserID          string     `json:"userId" yaml:"user_id"`
	TestNames       []string   `json:"testName" yaml:"test_names"`
	BoardNames      []string   `json:"boardId" yaml:"board_names"`
	StartedAt       time.Time  `json:"startedAt" yaml:"started_at"`
	CompletedAt     *time.Time `json:"completedAt,omitempty" yaml:"completed_at,omitempty"`
	CompleteAfter   *time.Time `json:"completeAfter,omitempty" yaml:"complete_after,omitempty"`
	Status          JobStatus  `json:"status" yaml:"status"`
	Logs            []string   `json:"logs" yaml:"logs"`
	SelectedAIModel ModelTag   `json:"selectedAiModel,omitempty" yaml:"selected_ai_model,omitempty"`
}

// Due reports whether a running job has a completion deadline at or
// before now.
func (j *TestJob) Due(now time.Time) bool {
	return j.Status == JobRunning &&
		j.CompleteAfter != nil &&
		!j.CompleteAfter.After(now)
}

const jobIDPrefix = "JOB-"

// FormatJobID renders a sequence number as a job identifier.
func FormatJobID(seq int64) string {
	return fmt.Sprintf("%s%04d", jobIDPrefix, seq)
}

// ParseJobID extracts the sequence number from a job identifier.
func ParseJobID(id string) (int64, error) {
	rest, ok := strings.CutPrefix(id, jobIDPrefix)
	if !ok {
		return 0, Validationf("job id %q: missing %s prefix", id, jobIDPrefix)
	}

	seq, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || seq < 1 {
		return 0, Validationf("job id %q: malformed sequence number", id)
	}

	return seq, nil
}

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeveritySuccess Severity = "SUCCESS"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return true
	default:
		return false
	}
}

// Notification is a message addressed to exactly one user.
type Notification struct {
	ID        string    `json:"id" yaml:"id"`
	UserID    string    `json:"userId" yaml:"user_id"`
	Title     string    `json:"title" yaml:"title"`
	Message   string    `json:"message" yaml:"message"`
	Type      Severity  `json:"type" yaml:"type"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Read      bool      `json:"read" yaml:"read"`
}

// TestCategory groups test cases.
type TestCategory string

const (
	CategorySanity TestCategory = "SANITY"
	CategoryStress TestCategory = "STRESS"
	CategoryPower  TestCategory = "POWER"
	CategoryIO     TestCategory = "IO"
	CategoryCustom TestCategory = "CUSTOM"
)

// Valid reports whether c is a known category.
func (c TestCategory) Valid() bool {
	switch c {
	case CategorySanity, CategoryStress, CategoryPower, CategoryIO, CategoryCustom:
		return true
	default:
		return false
	}
}

// TestCase is a runnable test definition.
type TestCase struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Category    TestCategory `json:"category" yaml:"category"`
	ScriptPath  string       `json:"scriptPath" yaml:"script_path"`
	Description string       `json:"description" yaml:"description"`
	Author      string       `json:"author,omitempty" yaml:"author,omitempty"`
	IsCustom    bool         `json:"isCustom,omitempty" yaml:"is_custom,omitempty"`
	YAMLContent string       `json:"yamlContent,omitempty" yaml:"yaml_content,omitempty"`
	OwnerID     string       `json:"ownerId,omitempty" yaml:"owner_id,omitempty"`
	Visibility  Visibility   `json:"visibility" yaml:"visibility"`
}

// Validate checks the test case's required fields and enums.
func (t *TestCase) Validate() error {
	if t.ID == "" || t.Name == "" {
		return Validationf("test case id and name are required")
	}

	if !t.Category.Valid() {
		return Validationf("test case %s: unknown category %q", t.ID, t.Category)
	}

	if !t.Visibility.Valid() {
		return Validationf("test case %s: unknown visibility %q", t.ID, t.Visibility)
	}

	return nil
}

// AIProvider selects the analysis backend.
type AIProvider string

const (
	ProviderGoogleCloud AIProvider = "GOOGLE_CLOUD"
	ProviderOllama      AIProvider = "OLLAMA_LOCAL"
)

// AIConfig is the persisted analysis backend selection.
type AIConfig struct {
	Provider    AIProvider `json:"provider" yaml:"provider"`
	OllamaURL   string     `json:"ollamaUrl" yaml:"ollama_url"`
	OllamaModel string     `json:"ollamaModel" yaml:"ollama_model"`
}

// DefaultAIConfig is used when no configuration has been stored.
func DefaultAIConfig() AIConfig {
	return AIConfig{
		Provider:    ProviderOllama,
		OllamaURL:   "http://localhost:11434",
		OllamaModel: "llama3",
	}
}

// Analysis is the structured result of analysing a job.
type Analysis struct {
	Summary           string `json:"summary"`
	Prediction        string `json:"prediction"`
	RootCause         string `json:"rootCause"`
	RecommendedAction string `json:"recommendedAction"`
}

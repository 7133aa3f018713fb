package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionSetVersion is bumped whenever the Action enumeration changes.
const ActionSetVersion = 1

// DefaultRetention is how long records are kept before the purge job may
// delete them.
const DefaultRetention = 7 * 365 * 24 * time.Hour

// Action is the closed set of audit-worthy operations.
type Action string

const (
	ActionCreateInvoice        Action = "CREATE_INVOICE"
	ActionUpdateInvoice        Action = "UPDATE_INVOICE"
	ActionDeleteInvoice        Action = "DELETE_INVOICE"
	ActionCreatePurchaseOrder  Action = "CREATE_PURCHASE_ORDER"
	ActionApprovePurchaseOrder Action = "APPROVE_PURCHASE_ORDER"
	ActionAdjustStock          Action = "ADJUST_STOCK"
	ActionCreateCustomer       Action = "CREATE_CUSTOMER"
	ActionUpdateCustomer       Action = "UPDATE_CUSTOMER"
	ActionDeleteCustomer       Action = "DELETE_CUSTOMER"
	ActionCreateSupplier       Action = "CREATE_SUPPLIER"
	ActionUpdateSupplier       Action = "UPDATE_SUPPLIER"
	ActionChangeRole           Action = "CHANGE_ROLE"
	ActionPasswordReset        Action = "PASSWORD_RESET"
	ActionForceLogout          Action = "FORCE_LOGOUT"
	ActionRefreshTokenReuse    Action = "REFRESH_TOKEN_REUSE"
)

var actions = map[Action]struct{ mandatory bool }{
	ActionCreateInvoice:        {true},
	ActionUpdateInvoice:        {true},
	ActionDeleteInvoice:        {true},
	ActionCreatePurchaseOrder:  {true},
	ActionApprovePurchaseOrder: {true},
	ActionAdjustStock:          {true},
	ActionCreateCustomer:       {true},
	ActionUpdateCustomer:       {true},
	ActionDeleteCustomer:       {true},
	ActionCreateSupplier:       {true},
	ActionUpdateSupplier:       {true},
	ActionChangeRole:           {true},
	ActionPasswordReset:        {true},
	ActionForceLogout:          {true},
	ActionRefreshTokenReuse:    {false},
}

func (a Action) IsValid() bool {
	_, ok := actions[a]
	return ok
}

// Mandatory reports whether a failed append must fail the calling operation.
// Non-mandatory actions are recorded best effort.
func (a Action) Mandatory() bool {
	return actions[a].mandatory
}

func (a Action) String() string { return string(a) }

// Entry is what callers hand to the ledger. Hash fields, ids and timestamps
// are assigned at append time.
type Entry struct {
	TenantID   string
	ActorID    string
	Action     Action
	EntityType string
	EntityID   string
	Before     json.RawMessage
	After      json.RawMessage
	IP         string
	UserAgent  string
	Metadata   map[string]any
}

// Record is a persisted ledger entry.
type Record struct {
	ID             uuid.UUID
	Seq            int64
	TenantID       string
	ActorID        string
	Action         Action
	EntityType     string
	EntityID       string
	Before         json.RawMessage
	After          json.RawMessage
	IP             string
	UserAgent      string
	Metadata       map[string]any
	PreviousHash   string
	CurrentHash    string
	RetentionUntil time.Time
	CreatedAt      time.Time
}

// Clone returns a copy safe to hand out of a store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Before != nil {
		c.Before = append(json.RawMessage(nil), r.Before...)
	}
	if r.After != nil {
		c.After = append(json.RawMessage(nil), r.After...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// VerifyResult reports the outcome of a chain walk. BrokenAt is set to the
// first record whose hash or link is inconsistent. PurgedPrefix is set when
// the walk started at a record whose predecessor was removed by retention.
type VerifyResult struct {
	Valid        bool       `json:"valid"`
	BrokenAt     *uuid.UUID `json:"broken_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Checked      int        `json:"checked"`
	PurgedPrefix bool       `json:"purged_prefix"`
}

package changes

// Action is the kind of write an entry represents.
type Action string

const (
	ActionInsert Action = "Insert"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
)

// ColumnChange is one changed column of an updated row.
type ColumnChange struct {
	Column   string `json:"column"`
	Original any    `json:"original_value"`
	New      any    `json:"new_value"`
}

// EntityEvent is the audit entry of one affected row.
type EntityEvent struct {
	Schema            string         `json:"schema,omitempty"`
	Table             string         `json:"table"`
	Name              string         `json:"name"`
	Action            Action         `json:"action"`
	PrimaryKey        map[string]any `json:"primary_key"`
	Changes           []ColumnChange `json:"changes,omitempty"`
	ColumnValues      map[string]any `json:"column_values,omitempty"`
	Entity            any            `json:"entity,omitempty"`
	Valid             bool           `json:"valid"`
	ValidationResults []string       `json:"validation_results,omitempty"`

	entry     Entry
	fkColumns []string
	render    map[string]func(any) any // column -> property rules, for Reconcile
}

// Change returns the change recorded for column, if any.
func (e *EntityEvent) Change(column string) (ColumnChange, bool) {
	for _, c := range e.Changes {
		if c.Column == column {
			return c, true
		}
	}
	return ColumnChange{}, false
}

// Report is the change-capture payload of one audited save.
type Report struct {
	Database      string         `json:"database"`
	ContextID     string         `json:"context_id"`
	ConnectionID  string         `json:"connection_id,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Entries       []*EntityEvent `json:"entries"`
	Result        int            `json:"result"`
	Success       bool           `json:"success"`
	ErrorMessage  string         `json:"error_message,omitempty"`

	excludeTransactionID bool
}

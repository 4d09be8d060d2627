package table

import (
	"errors"
	"fmt"

	"github.com/cleared-dev/passbook/internal/id"
	"github.com/cleared-dev/passbook/internal/model"
)

var (
	ErrStaleProposal   = errors.New("table changed since the proposal was made")
	ErrUnknownProposal = errors.New("unknown proposal")
)

// Op is the kind of change a proposal makes.
type Op string

const (
	OpEdit   Op = "edit"
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Notice accompanies every committed cell edit. Edits never leave the
// local session.
const Notice = "Value updated (Local Session Only)"

// NoticeFor returns the message shown once a change of kind op is applied.
func NoticeFor(op Op) string {
	switch op {
	case OpInsert:
		return "New transaction added (Local Session Only)"
	case OpDelete:
		return "Transaction deleted (Local Session Only)"
	}
	return Notice
}

// Proposal is a change awaiting the user's decision. It is bound to the
// table version it was made against.
type Proposal struct {
	ID       string `json:"id"`
	Op       Op     `json:"op"`
	Index    int    `json:"index"`
	Field    Field  `json:"field,omitempty"`
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue,omitempty"`
	Prompt   string `json:"prompt"`

	version uint64
	rows    int
	row     model.Transaction
}

// Confirmer decides a proposal synchronously.
type Confirmer func(Proposal) bool

// ProposeEdit prepares replacing one field of the row at index. It returns
// ErrUnchanged when the value would not change (dates always propose) and
// ErrFieldRequired when a required field would become empty.
func (t *Table) ProposeEdit(index int, f Field, value string) (Proposal, error) {
	if _, err := ParseField(string(f)); err != nil {
		return Proposal{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.rows) {
		return Proposal{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	cur := t.rows[index]
	next, normalised, err := apply(cur.Clone(), f, value)
	if err != nil {
		return Proposal{}, err
	}
	if f != FieldDate && sameValue(cur, f, normalised) {
		return Proposal{}, ErrUnchanged
	}

	old := FieldValue(cur, f)
	shown := old
	if shown == "" {
		shown = "(Empty)"
	}
	return t.open(Proposal{
		Op:       OpEdit,
		Index:    index,
		Field:    f,
		OldValue: old,
		NewValue: normalised,
		Prompt:   fmt.Sprintf("Are you sure you want to update this value? Old: %s New: %s", shown, normalised),
		row:      next,
	}), nil
}

// ProposeInsert prepares inserting a row at index, shifting the row there
// and every later row down by one. index may equal Len to append; such a
// proposal goes stale if rows are appended before it is committed, since
// the end it was made against has moved. A nil template inserts the
// default placeholder row.
func (t *Table) ProposeInsert(index int, template *model.Transaction) (Proposal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index > len(t.rows) {
		return Proposal{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	row := t.defaultRow()
	if template != nil {
		row = template.Clone()
		if row.Type == "" {
			row.Type = model.TxnDebit
		}
		if row.Amount.IsNegative() {
			return Proposal{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidValue)
		}
	}
	row.RowID = id.New()

	return t.open(Proposal{
		Op:     OpInsert,
		Index:  index,
		Prompt: "Insert a new empty transaction here?",
		row:    row,
	}), nil
}

// ProposeDelete prepares removing the row at index.
func (t *Table) ProposeDelete(index int) (Proposal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.rows) {
		return Proposal{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return t.open(Proposal{
		Op:     OpDelete,
		Index:  index,
		Prompt: "Are you sure you want to delete this transaction?",
		row:    t.rows[index].Clone(),
	}), nil
}

// open records p against the current version. Callers hold t.mu.
func (t *Table) open(p Proposal) Proposal {
	p.ID = id.New()
	p.version = t.version
	p.rows = len(t.rows)
	t.proposals[p.ID] = &p
	return p
}

// endMoved reports whether an insert at the end of the table was proposed
// against fewer rows than the table now holds.
func (p *Proposal) endMoved(n int) bool {
	return p.Op == OpInsert && p.Index == p.rows && n != p.rows
}

// Proposal returns an open proposal.
func (t *Table) Proposal(pid string) (Proposal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proposals[pid]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

// Commit applies an open proposal and returns the notice to show. A
// proposal made before another change was committed is rejected with
// ErrStaleProposal and dropped.
func (t *Table) Commit(pid string) (string, error) {
	t.mu.Lock()
	p, ok := t.proposals[pid]
	if !ok {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownProposal, pid)
	}
	delete(t.proposals, pid)
	if p.version != t.version || p.endMoved(len(t.rows)) {
		t.mu.Unlock()
		return "", ErrStaleProposal
	}

	switch p.Op {
	case OpEdit:
		t.rows[p.Index] = p.row
	case OpInsert:
		t.rows = append(t.rows, model.Transaction{})
		copy(t.rows[p.Index+1:], t.rows[p.Index:])
		t.rows[p.Index] = p.row
	case OpDelete:
		t.rows = append(t.rows[:p.Index], t.rows[p.Index+1:]...)
	}
	t.version++
	hook := t.onCommit
	var rows []model.Transaction
	if hook != nil {
		rows = cloneRows(t.rows)
	}
	t.mu.Unlock()

	if hook != nil {
		hook(p.Op, rows)
	}
	return NoticeFor(p.Op), nil
}

// Discard drops an open proposal without applying it.
func (t *Table) Discard(pid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.proposals[pid]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, pid)
	}
	delete(t.proposals, pid)
	return nil
}

// EditCell proposes an edit, asks confirm and commits on approval. An
// unchanged value or an emptied required field is a silent no-op: it
// returns false without asking.
func (t *Table) EditCell(index int, f Field, value string, confirm Confirmer) (bool, error) {
	p, err := t.ProposeEdit(index, f, value)
	if errors.Is(err, ErrUnchanged) || errors.Is(err, ErrFieldRequired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.decide(p, confirm)
}

// InsertRow proposes an insert at index, asks confirm and commits on approval.
func (t *Table) InsertRow(index int, template *model.Transaction, confirm Confirmer) (bool, error) {
	p, err := t.ProposeInsert(index, template)
	if err != nil {
		return false, err
	}
	return t.decide(p, confirm)
}

// DeleteRow proposes removing the row at index, asks confirm and commits
// on approval.
func (t *Table) DeleteRow(index int, confirm Confirmer) (bool, error) {
	p, err := t.ProposeDelete(index)
	if err != nil {
		return false, err
	}
	return t.decide(p, confirm)
}

func (t *Table) decide(p Proposal, confirm Confirmer) (bool, error) {
	if confirm == nil || !confirm(p) {
		return false, t.Discard(p.ID)
	}
	if _, err := t.Commit(p.ID); err != nil {
		return false, err
	}
	return true, nil
}

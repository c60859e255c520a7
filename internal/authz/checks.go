package authz

import "fmt"

// Values holds the proposed column values of an INSERT or UPDATE, keyed by
// column name. Columns absent from the map are not being written.
type Values map[string]any

// Check validates proposed values against the acting principal before a
// write is attempted. Checks run in process against the proposed values;
// row reachability is always the using predicate's job.
type Check interface {
	Check(p Principal, v Values) error
	Columns() []string
}

// MustMatch requires the column to be present and equal to the given
// principal attribute. Insert policies use it to pin identity columns to
// the actor, e.g. a new property's owner_user_id.
func MustMatch(column string, bind Binding) Check {
	return matchColumn{column: column, bind: bind, required: true}
}

// MatchIfSet allows the column to be absent but requires equality with the
// principal attribute when it is written.
func MatchIfSet(column string, bind Binding) Check {
	return matchColumn{column: column, bind: bind}
}

type matchColumn struct {
	column   string
	bind     Binding
	required bool
}

func (m matchColumn) Check(p Principal, v Values) error {
	val, ok := v[m.column]
	if !ok {
		if m.required {
			return fmt.Errorf("%w: column %s must be set", ErrDenied, m.column)
		}
		return nil
	}
	if fmt.Sprintf("%v", val) != fmt.Sprintf("%v", bindValue(p, m.bind)) {
		return fmt.Errorf("%w: column %s does not match the acting principal", ErrDenied, m.column)
	}
	return nil
}

func (m matchColumn) Columns() []string { return []string{m.column} }

// Immutable denies any write that includes one of the named columns. Update
// policies use it to keep ownership and linkage columns from being
// retargeted, regardless of who currently owns the row.
func Immutable(columns ...string) Check {
	return immutable{columns: columns}
}

type immutable struct {
	columns []string
}

func (im immutable) Check(_ Principal, v Values) error {
	for _, col := range im.columns {
		if _, ok := v[col]; ok {
			return fmt.Errorf("%w: column %s cannot be changed", ErrDenied, col)
		}
	}
	return nil
}

func (im immutable) Columns() []string { return im.columns }

// ScopedParent requires the named foreign key to be present. Relational
// membership (does the parent row belong to the actor) cannot be decided in
// process; callers resolve the parent through the principal's own scoped
// read inside the same transaction, and the database policies back-stop it.
func ScopedParent(column string) Check {
	return scopedParent{column: column}
}

type scopedParent struct {
	column string
}

func (s scopedParent) Check(_ Principal, v Values) error {
	if val, ok := v[s.column]; !ok || val == nil || val == "" {
		return fmt.Errorf("%w: column %s must reference a row in scope", ErrDenied, s.column)
	}
	return nil
}

func (s scopedParent) Columns() []string { return []string{s.column} }

// AllOf combines checks; every one must pass.
func AllOf(checks ...Check) Check {
	return allOf{checks: checks}
}

type allOf struct {
	checks []Check
}

func (a allOf) Check(p Principal, v Values) error {
	for _, c := range a.checks {
		if err := c.Check(p, v); err != nil {
			return err
		}
	}
	return nil
}

func (a allOf) Columns() []string {
	var cols []string
	for _, c := range a.checks {
		cols = append(cols, c.Columns()...)
	}
	return cols
}

package postgres

import (
	"fmt"
	"strings"

	"github.com/sliceworkz/eventstore-sub000/pkg/dcb"
)

// argList collects positional query arguments.
type argList struct {
	args []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

// queryPredicate renders a dcb.Query's item disjunction as SQL over the
// events table. Type filters use = ANY, tag filters use array containment
// (@>), which is what the GIN index serves. Match-all renders to no
// condition; match-none renders to FALSE.
func queryPredicate(alias string, query dcb.Query, args *argList) string {
	if query.IsAll() {
		return ""
	}
	if query.IsNone() {
		return "FALSE"
	}

	orConditions := make([]string, 0, len(query.Items()))
	for _, item := range query.Items() {
		andConditions := make([]string, 0, 2)
		if len(item.EventTypes) > 0 {
			andConditions = append(andConditions, fmt.Sprintf("%stype = ANY(%s::text[])", alias, args.add(item.EventTypes)))
		}
		if len(item.Tags) > 0 {
			andConditions = append(andConditions, fmt.Sprintf("%stags @> %s::text[]", alias, args.add(item.Tags.Strings())))
		}
		if len(andConditions) == 0 {
			// An unconstrained item matches everything.
			return ""
		}
		orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
	}
	return "(" + strings.Join(orConditions, " OR ") + ")"
}

// streamScope renders the stream filter; wildcard components impose no
// condition.
func streamScope(alias string, stream dcb.StreamID, args *argList) []string {
	var conditions []string
	if stream.Context != "" {
		conditions = append(conditions, fmt.Sprintf("%sstream_context = %s", alias, args.add(stream.Context)))
	}
	if stream.Purpose != "" {
		conditions = append(conditions, fmt.Sprintf("%sstream_purpose = %s", alias, args.add(stream.Purpose)))
	}
	return conditions
}

// cursorAfter renders the exclusive starting cursor in the requested
// direction, ordered by (transaction_id, position).
func cursorAfter(alias string, after dcb.EventReference, backward bool, args *argList) string {
	tx := args.add(fmt.Sprint(after.TransactionID))
	pos := args.add(after.Position)
	if backward {
		return fmt.Sprintf("( (%[1]stransaction_id = %[2]s::xid8 AND %[1]sposition < %[3]s) OR (%[1]stransaction_id < %[2]s::xid8) )", alias, tx, pos)
	}
	return fmt.Sprintf("( (%[1]stransaction_id = %[2]s::xid8 AND %[1]sposition > %[3]s) OR (%[1]stransaction_id > %[2]s::xid8) )", alias, tx, pos)
}

// untilBound renders the inclusive upper truncation of a query.
func untilBound(alias string, until dcb.EventReference, args *argList) string {
	tx := args.add(fmt.Sprint(until.TransactionID))
	pos := args.add(until.Position)
	return fmt.Sprintf("( (%[1]stransaction_id = %[2]s::xid8 AND %[1]sposition <= %[3]s) OR (%[1]stransaction_id < %[2]s::xid8) )", alias, tx, pos)
}

// buildReadSQL builds the full SELECT for a storage query.
func (s *Store) buildReadSQL(query dcb.Query, stream dcb.StreamID, opts dcb.ReadOptions) (string, []any) {
	args := &argList{}
	conditions := streamScope("", stream, args)

	if predicate := queryPredicate("", query, args); predicate != "" {
		conditions = append(conditions, predicate)
	}
	if until := query.Until(); until != nil {
		conditions = append(conditions, untilBound("", *until, args))
	}
	backward := opts.Direction == dcb.Backward
	if opts.After != nil {
		conditions = append(conditions, cursorAfter("", *opts.After, backward, args))
	}

	var sql strings.Builder
	sql.WriteString("SELECT id, stream_context, stream_purpose, type, data, erasable_data, tags, position, transaction_id, occurred_at FROM ")
	sql.WriteString(s.table("events"))
	if len(conditions) > 0 {
		sql.WriteString(" WHERE ")
		sql.WriteString(strings.Join(conditions, " AND "))
	}
	if backward {
		sql.WriteString(" ORDER BY transaction_id DESC, position DESC")
	} else {
		sql.WriteString(" ORDER BY transaction_id ASC, position ASC")
	}
	if opts.Limit > 0 {
		sql.WriteString(fmt.Sprintf(" LIMIT %d", opts.Limit))
	}
	return sql.String(), args.args
}

// buildAppendSQL builds the conditional batch insert: the new rows are only
// inserted when no event matching the condition exists after the expected
// reference, all in one statement so the check and the write share one
// snapshot.
func (s *Store) buildAppendSQL(stream dcb.StreamID, events []rowToInsert, condition dcb.AppendCondition) (string, []any) {
	args := &argList{}

	valueRows := make([]string, len(events))
	for i, row := range events {
		valueRows[i] = fmt.Sprintf("(%s::uuid, %s, %s::jsonb, %s::jsonb, %s::text[], %s, %d)",
			args.add(row.id),
			args.add(row.eventType),
			args.add(row.data),
			args.add(row.erasableData),
			args.add(row.tags),
			args.add(row.idempotencyKey),
			i,
		)
	}
	contextArg := args.add(stream.Context)
	purposeArg := args.add(stream.Purpose)

	var sql strings.Builder
	sql.WriteString("INSERT INTO ")
	sql.WriteString(s.table("events"))
	sql.WriteString(" (id, stream_context, stream_purpose, type, data, erasable_data, tags, idempotency_key)")
	sql.WriteString(" SELECT v.id, ")
	sql.WriteString(contextArg)
	sql.WriteString(", ")
	sql.WriteString(purposeArg)
	sql.WriteString(", v.type, v.data, v.erasable_data, v.tags, v.idempotency_key FROM (VALUES ")
	sql.WriteString(strings.Join(valueRows, ", "))
	sql.WriteString(") AS v(id, type, data, erasable_data, tags, idempotency_key, ord)")

	if !condition.IsUnconditional() {
		inner := []string{}
		if predicate := queryPredicate("e.", condition.FailIfEventsMatch, args); predicate != "" {
			inner = append(inner, predicate)
		}
		if condition.After != nil {
			inner = append(inner, cursorAfter("e.", *condition.After, false, args))
		}
		guard := "SELECT 1 FROM " + s.table("events") + " e"
		if len(inner) > 0 {
			guard += " WHERE " + strings.Join(inner, " AND ")
		}
		sql.WriteString(" WHERE NOT EXISTS (")
		sql.WriteString(guard)
		sql.WriteString(")")
	}

	sql.WriteString(" ORDER BY v.ord RETURNING id, position, transaction_id, occurred_at")
	return sql.String(), args.args
}

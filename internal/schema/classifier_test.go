package schema

import (
	"context"
	"errors"
	"testing"

	"blastradius/internal/change"
	brerrors "blastradius/internal/errors"
	"blastradius/internal/signal"
)

func schemaChange(sql string) change.Change {
	return change.Change{Kind: change.KindSchema, RawInput: sql, TargetID: change.SQLTarget(sql)}
}

func TestClassify_Direct(t *testing.T) {
	tests := []struct {
		sql        string
		wantOp     Operation
		wantTable  string
		wantColumn string
		wantNew    string
	}{
		{"DROP TABLE fraud_alerts", DropTable, "fraud_alerts", "", ""},
		{"DROP TABLE IF EXISTS public.fraud_alerts CASCADE;", DropTable, "fraud_alerts", "", ""},
		{"DROP INDEX CONCURRENTLY IF EXISTS idx_tx_ref", DropIndex, "", "", ""},
		{"ALTER TABLE orders DROP CONSTRAINT fk_orders_customer", DropConstraint, "orders", "", ""},
		{"ALTER TABLE orders DROP FOREIGN KEY fk_orders_customer", DropConstraint, "orders", "", ""},
		{"ALTER TABLE orders ALTER COLUMN status DROP DEFAULT", DropDefault, "orders", "status", ""},
		{"ALTER TABLE orders ALTER status DROP NOT NULL", DropNotNull, "orders", "status", ""},
		{"ALTER TABLE transactions DROP COLUMN currency", DropColumn, "transactions", "currency", ""},
		{`ALTER TABLE "public"."transactions" DROP "legacy_ref"`, DropColumn, "transactions", "legacy_ref", ""},
		{"ALTER TABLE orders RENAME TO purchase_orders", RenameTable, "orders", "", "purchase_orders"},
		{"RENAME TABLE orders TO purchase_orders", RenameTable, "orders", "", "purchase_orders"},
		{"ALTER TABLE orders RENAME COLUMN amt TO amount", RenameColumn, "orders", "amt", "amount"},
		{"ALTER TABLE orders ALTER COLUMN status SET DEFAULT 'new'", SetDefault, "orders", "status", "'new'"},
		{"ALTER TABLE orders ALTER COLUMN status SET NOT NULL", SetNotNull, "orders", "status", ""},
		{"ALTER TABLE orders ALTER COLUMN amount TYPE numeric(12, 2) USING amount::numeric", ModifyColumn, "orders", "amount", "numeric(12, 2)"},
		{"ALTER TABLE orders MODIFY COLUMN note TEXT NOT NULL", ModifyColumn, "orders", "note", "TEXT"},
		{"ALTER TABLE orders ADD CONSTRAINT uq_ref UNIQUE (reference)", AddConstraint, "orders", "", "UNIQUE (reference)"},
		{"CREATE UNIQUE INDEX idx_tx_ref ON transactions USING btree (reference)", AddIndex, "transactions", "", "(reference)"},
		{"ALTER TABLE transactions ADD COLUMN currency VARCHAR(3) DEFAULT 'USD'", AddColumn, "transactions", "currency", "VARCHAR(3)"},
	}

	cl := NewClassifier(nil, nil, 0, nil)
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			res := cl.Classify(context.Background(), schemaChange(tt.sql), nil)
			sc := res.Change
			if sc.Operation != tt.wantOp {
				t.Fatalf("Operation = %s, want %s", sc.Operation, tt.wantOp)
			}
			if sc.Confidence != DirectSQL {
				t.Errorf("Confidence = %s, want DIRECT_SQL", sc.Confidence)
			}
			if sc.Table != tt.wantTable {
				t.Errorf("Table = %q, want %q", sc.Table, tt.wantTable)
			}
			if sc.Column != tt.wantColumn {
				t.Errorf("Column = %q, want %q", sc.Column, tt.wantColumn)
			}
			if sc.NewValue != tt.wantNew {
				t.Errorf("NewValue = %q, want %q", sc.NewValue, tt.wantNew)
			}
			if sc.BaseWeight != BaseWeight(tt.wantOp) {
				t.Errorf("BaseWeight = %v, want %v", sc.BaseWeight, BaseWeight(tt.wantOp))
			}
		})
	}
}

func TestClassify_AddColumnRoundTrip(t *testing.T) {
	tests := []struct {
		sql         string
		wantColumn  string
		wantType    string
		wantDefault string
	}{
		{"ALTER TABLE transactions ADD COLUMN currency VARCHAR(3) DEFAULT 'USD'", "currency", "VARCHAR(3)", "'USD'"},
		{"alter table t add column created_at timestamp with time zone not null default now()", "created_at", "timestamp with time zone", "now()"},
		{"ALTER TABLE t ADD amount numeric(10,2) NOT NULL", "amount", "numeric(10,2)", ""},
		{"ALTER TABLE t ADD COLUMN IF NOT EXISTS tags text[] DEFAULT '{}'::text[]", "tags", "text[]", "'{}'::text[]"},
		{"ALTER TABLE t ADD COLUMN note character varying(255) DEFAULT 'a  b'", "note", "character varying(255)", "'a  b'"},
	}

	cl := NewClassifier(nil, nil, 0, nil)
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			sc := cl.Classify(context.Background(), schemaChange(tt.sql), nil).Change
			if sc.Operation != AddColumn {
				t.Fatalf("Operation = %s, want ADD_COLUMN", sc.Operation)
			}
			if sc.Column != tt.wantColumn || sc.NewValue != tt.wantType || sc.DefaultValue != tt.wantDefault {
				t.Errorf("got (%q, %q, %q), want (%q, %q, %q)",
					sc.Column, sc.NewValue, sc.DefaultValue, tt.wantColumn, tt.wantType, tt.wantDefault)
			}
		})
	}
}

func TestClassify_DropBeforeAdd(t *testing.T) {
	sql := "ALTER TABLE accounts ADD COLUMN status_v2 text, DROP COLUMN status"
	sc := NewClassifier(nil, nil, 0, nil).Classify(context.Background(), schemaChange(sql), nil).Change

	if sc.Operation != DropColumn {
		t.Errorf("primary Operation = %s, want DROP_COLUMN", sc.Operation)
	}
	if len(sc.Clauses) != 2 {
		t.Fatalf("len(Clauses) = %d, want 2", len(sc.Clauses))
	}
	if sc.Clauses[0].Operation != AddColumn || sc.Clauses[1].Operation != DropColumn {
		t.Errorf("Clauses = %s, %s", sc.Clauses[0].Operation, sc.Clauses[1].Operation)
	}
}

func TestMatcherOrder(t *testing.T) {
	order := Order()
	if len(order) != 14 {
		t.Fatalf("len(Order()) = %d, want 14", len(order))
	}
	pos := make(map[Operation]int)
	for i, op := range order {
		pos[op] = i
	}
	for _, drop := range []Operation{DropTable, DropIndex, DropConstraint, DropDefault, DropNotNull, DropColumn} {
		for _, add := range []Operation{AddConstraint, AddIndex, AddColumn} {
			if pos[drop] > pos[add] {
				t.Errorf("%s evaluated after %s", drop, add)
			}
		}
	}
}

func TestClassify_TriggerTruncatedDropColumn(t *testing.T) {
	ev := &TriggerEvent{
		CommandTag: "ALTER TABLE",
		DroppedObjects: []DroppedObject{
			{ObjectType: "table column", ObjectIdentity: "public.transactions.currency", AddressNames: []string{"public", "transactions", "currency"}, Original: true},
			{ObjectType: "default value", ObjectIdentity: "for public.transactions.currency"},
		},
	}

	truncated := []string{"ALTER TABLE public.transactions", "ALTER TABLE public.transactions DROP COLUMN", ""}
	for _, sql := range truncated {
		t.Run(sql, func(t *testing.T) {
			c := change.Change{Kind: change.KindSchema, RawInput: sql, TargetID: "public.transactions"}
			sc := NewClassifier(nil, nil, 0, nil).Classify(context.Background(), c, ev).Change
			if sc.Operation != DropColumn {
				t.Fatalf("Operation = %s, want DROP_COLUMN", sc.Operation)
			}
			if sc.Confidence != TriggerMetadata {
				t.Errorf("Confidence = %s, want TRIGGER_METADATA", sc.Confidence)
			}
			if sc.Column != "currency" || sc.Table != "transactions" || sc.Schema != "public" {
				t.Errorf("got %s.%s.%s", sc.Schema, sc.Table, sc.Column)
			}
			if sc.Statement != "ALTER TABLE public.transactions DROP COLUMN currency" {
				t.Errorf("Statement = %q", sc.Statement)
			}
		})
	}
}

func TestFromTrigger_ObjectTypes(t *testing.T) {
	tests := []struct {
		name   string
		obj    DroppedObject
		wantOp Operation
		want   string
	}{
		{"table", DroppedObject{ObjectType: "table", ObjectIdentity: "public.fraud_alerts", Original: true}, DropTable, "DROP TABLE public.fraud_alerts"},
		{"index", DroppedObject{ObjectType: "index", ObjectIdentity: "public.idx_ref", Original: true}, DropIndex, "DROP INDEX public.idx_ref"},
		{"constraint", DroppedObject{ObjectType: "table constraint", ObjectIdentity: "fk_cust on public.orders", Original: true}, DropConstraint, "ALTER TABLE public.orders DROP CONSTRAINT fk_cust"},
		{"default", DroppedObject{ObjectType: "default value", ObjectIdentity: "for public.orders.status", Original: true}, DropDefault, "ALTER TABLE public.orders ALTER COLUMN status DROP DEFAULT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, ok := fromTrigger(&TriggerEvent{DroppedObjects: []DroppedObject{tt.obj}})
			if !ok {
				t.Fatal("fromTrigger() did not resolve")
			}
			if sc.Operation != tt.wantOp || sc.Statement != tt.want {
				t.Errorf("got %s %q, want %s %q", sc.Operation, sc.Statement, tt.wantOp, tt.want)
			}
		})
	}
}

func TestTriggerEvent_Target(t *testing.T) {
	tests := []struct {
		name string
		ev   *TriggerEvent
		want string
	}{
		{"nil", nil, ""},
		{"dropped column", &TriggerEvent{DroppedObjects: []DroppedObject{
			{ObjectType: "table column", ObjectIdentity: "public.orders.legacy_ref", Original: true},
		}}, "public.orders"},
		{"dropped index", &TriggerEvent{DroppedObjects: []DroppedObject{
			{ObjectType: "index", ObjectIdentity: "public.idx_ref", Original: true},
		}}, "public.idx_ref"},
		{"command identity", &TriggerEvent{CommandTag: "ALTER TABLE", ObjectIdentity: `public."Orders"`}, "public.Orders"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Target(); got != tt.want {
				t.Errorf("Target() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTriggerEvent(t *testing.T) {
	ev, err := ParseTriggerEvent([]byte(`[{"object_type":"table column","object_identity":"public.t.c","original":true}]`))
	if err != nil {
		t.Fatalf("ParseTriggerEvent() error = %v", err)
	}
	if len(ev.DroppedObjects) != 1 || ev.DroppedObjects[0].ObjectType != "table column" {
		t.Errorf("DroppedObjects = %+v", ev.DroppedObjects)
	}

	ev, err = ParseTriggerEvent([]byte(`{"command_tag":"DROP TABLE","dropped_objects":[]}`))
	if err != nil || ev.CommandTag != "DROP TABLE" {
		t.Errorf("ParseTriggerEvent() = %+v, %v", ev, err)
	}

	for _, bad := range []string{`{bad`, `[{"object_type": 1}]`} {
		if _, err := ParseTriggerEvent([]byte(bad)); !brerrors.Is(err, brerrors.ParseFailure) {
			t.Errorf("ParseTriggerEvent(%s) error = %v, want PARSE_FAILURE", bad, err)
		}
	}
}

type fakeCatalog struct {
	cols  []Column
	err   error
	calls int
}

func (f *fakeCatalog) Columns(ctx context.Context, schemaName, table string) ([]Column, error) {
	f.calls++
	return f.cols, f.err
}

func TestClassify_CatalogNewestColumn(t *testing.T) {
	cat := &fakeCatalog{cols: []Column{
		{Name: "id", DataType: "bigint", Ordinal: 1},
		{Name: "amount", DataType: "numeric", Ordinal: 2},
		{Name: "currency", DataType: "character varying(3)", Default: "'USD'::character varying", Nullable: true, Ordinal: 3},
	}}
	snaps := NewMemorySnapshots()
	cl := NewClassifier(cat, snaps, 0, nil)

	c := change.Change{Kind: change.KindSchema, RawInput: "ALTER TABLE public.transactions", TargetID: "public.transactions"}
	res := cl.Classify(context.Background(), c, nil)

	if res.Change.Operation != AddColumn || res.Change.Confidence != CatalogIntrospection {
		t.Fatalf("got %s/%s, want ADD_COLUMN/CATALOG_INTROSPECTION", res.Change.Operation, res.Change.Confidence)
	}
	if res.Change.Column != "currency" || res.Change.NewValue != "character varying(3)" || res.Change.DefaultValue != "'USD'::character varying" {
		t.Errorf("got %+v", res.Change)
	}
	if res.CatalogStatus != signal.OK {
		t.Errorf("CatalogStatus = %s, want ok", res.CatalogStatus)
	}
	if _, ok, _ := snaps.LastColumns(context.Background(), "public.transactions"); !ok {
		t.Error("snapshot should be saved after introspection")
	}
}

func TestClassify_CatalogSnapshotDiff(t *testing.T) {
	ctx := context.Background()
	snaps := NewMemorySnapshots()
	prev := []Column{
		{Name: "id", DataType: "bigint", Ordinal: 1},
		{Name: "status", DataType: "text", Nullable: true, Ordinal: 2},
		{Name: "zz_last", DataType: "text", Nullable: true, Ordinal: 3},
	}

	tests := []struct {
		name   string
		cur    []Column
		wantOp Operation
		col    string
	}{
		{"added in the middle", append(append([]Column{}, prev...), Column{Name: "region", DataType: "text", Ordinal: 4}), AddColumn, "region"},
		{"nullability", []Column{prev[0], {Name: "status", DataType: "text", Nullable: false, Ordinal: 2}, prev[2]}, SetNotNull, "status"},
		{"type and default", []Column{prev[0], {Name: "status", DataType: "varchar(20)", Default: "'new'", Nullable: true, Ordinal: 2}, prev[2]}, ModifyColumn, "status"},
		{"renamed", []Column{prev[0], {Name: "state", DataType: "text", Nullable: true, Ordinal: 2}, prev[2]}, RenameColumn, "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := snaps.SaveColumns(ctx, "orders", prev); err != nil {
				t.Fatal(err)
			}
			cl := NewClassifier(&fakeCatalog{cols: tt.cur}, snaps, 0, nil)
			c := change.Change{Kind: change.KindSchema, RawInput: "ALTER TABLE orders", TargetID: "orders"}
			sc := cl.Classify(ctx, c, nil).Change
			if sc.Operation != tt.wantOp || sc.Column != tt.col {
				t.Errorf("got %s on %q, want %s on %q", sc.Operation, sc.Column, tt.wantOp, tt.col)
			}
			if sc.Confidence != CatalogIntrospection {
				t.Errorf("Confidence = %s", sc.Confidence)
			}
		})
	}
}

func TestClassify_CatalogSkippedForDrop(t *testing.T) {
	cat := &fakeCatalog{cols: []Column{{Name: "x", DataType: "int", Ordinal: 1}}}
	c := change.Change{Kind: change.KindSchema, RawInput: "ALTER TABLE orders DROP", TargetID: "orders"}
	res := NewClassifier(cat, nil, 0, nil).Classify(context.Background(), c, nil)

	if cat.calls != 0 {
		t.Errorf("catalog queried %d times for a DROP statement", cat.calls)
	}
	if res.Change.Operation != GenericAlter || res.Change.Confidence != GenericFallback {
		t.Errorf("got %s/%s, want generic fallback", res.Change.Operation, res.Change.Confidence)
	}
}

func TestClassify_CatalogUnavailable(t *testing.T) {
	cat := &fakeCatalog{err: errors.New("connection refused")}
	c := change.Change{Kind: change.KindSchema, RawInput: "ALTER TABLE orders", TargetID: "orders"}
	res := NewClassifier(cat, nil, 0, nil).Classify(context.Background(), c, nil)

	if res.CatalogStatus != signal.Unavailable {
		t.Errorf("CatalogStatus = %s, want unavailable", res.CatalogStatus)
	}
	if res.Change.Operation != GenericAlter {
		t.Errorf("Operation = %s, want ALTER_TABLE_GENERIC", res.Change.Operation)
	}
	if res.Change.Table != "orders" {
		t.Errorf("Table = %q, want orders", res.Change.Table)
	}
	if res.Change.BaseWeight != 2.0 {
		t.Errorf("BaseWeight = %v, want 2.0", res.Change.BaseWeight)
	}
}

func TestBaseWeight(t *testing.T) {
	tests := []struct {
		op   Operation
		want float64
	}{
		{DropTable, 3.0}, {DropColumn, 3.0}, {RenameTable, 2.8}, {DropConstraint, 2.8},
		{ModifyColumn, 2.5}, {RenameColumn, 2.5}, {SetNotNull, 2.2}, {AddConstraint, 2.0},
		{GenericAlter, 2.0}, {DropNotNull, 1.8}, {DropIndex, 1.5}, {DropDefault, 1.5},
		{SetDefault, 1.2}, {AddColumn, 1.0}, {AddIndex, 0.8}, {Operation("NOPE"), 2.0},
	}
	for _, tt := range tests {
		if got := BaseWeight(tt.op); got != tt.want {
			t.Errorf("BaseWeight(%s) = %v, want %v", tt.op, got, tt.want)
		}
	}
}

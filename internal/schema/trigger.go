package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	brerrors "blastradius/internal/errors"
)

// DroppedObject is one row of pg_event_trigger_dropped_objects().
type DroppedObject struct {
	ObjectType     string   `json:"object_type"`
	SchemaName     string   `json:"schema_name,omitempty"`
	ObjectName     string   `json:"object_name,omitempty"`
	ObjectIdentity string   `json:"object_identity"`
	AddressNames   []string `json:"address_names,omitempty"`
	Original       bool     `json:"original"`
}

// TriggerEvent is what an event trigger reports for a DDL command. The
// statement text it carries may be truncated.
type TriggerEvent struct {
	CommandTag     string          `json:"command_tag"`
	ObjectType     string          `json:"object_type,omitempty"`
	SchemaName     string          `json:"schema_name,omitempty"`
	ObjectIdentity string          `json:"object_identity,omitempty"`
	Statement      string          `json:"statement,omitempty"`
	DroppedObjects []DroppedObject `json:"dropped_objects"`
}

// ParseTriggerEvent decodes a trigger event, or a bare dropped-objects array.
func ParseTriggerEvent(data []byte) (*TriggerEvent, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var objs []DroppedObject
		if err := json.Unmarshal(data, &objs); err != nil {
			return nil, brerrors.New(brerrors.ParseFailure, "decode dropped objects", err).
				WithDetails(map[string]interface{}{"bytes": len(data)})
		}
		return &TriggerEvent{DroppedObjects: objs}, nil
	}
	var ev TriggerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, brerrors.New(brerrors.ParseFailure, "decode trigger event", err).
			WithDetails(map[string]interface{}{"bytes": len(data)})
	}
	return &ev, nil
}

// Target names the table (or index) the event is about: the primary
// dropped object when there is one, otherwise the command's object
// identity.
func (ev *TriggerEvent) Target() string {
	if ev == nil {
		return ""
	}
	if sc, ok := fromTrigger(ev); ok {
		if sc.Table != "" {
			return sc.QualifiedTable()
		}
		return qualify(sc.Schema, sc.IndexName)
	}
	return unquote(strings.TrimSpace(ev.ObjectIdentity))
}

// dropPriority orders object types when a single command dropped several.
var dropPriority = []struct {
	objectType string
	op         Operation
}{
	{"table", DropTable},
	{"table column", DropColumn},
	{"table constraint", DropConstraint},
	{"index", DropIndex},
	{"default value", DropDefault},
}

// fromTrigger resolves the operation from the dropped-objects list.
func fromTrigger(ev *TriggerEvent) (SchemaChange, bool) {
	if ev == nil || len(ev.DroppedObjects) == 0 {
		return SchemaChange{}, false
	}

	candidates := make([]DroppedObject, 0, len(ev.DroppedObjects))
	for _, o := range ev.DroppedObjects {
		if o.Original {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		candidates = ev.DroppedObjects
	}

	for _, p := range dropPriority {
		var hits []SchemaChange
		for _, o := range candidates {
			if !strings.EqualFold(o.ObjectType, p.objectType) {
				continue
			}
			if sc, ok := fromDroppedObject(o, p.op); ok {
				hits = append(hits, sc)
			}
		}
		if len(hits) == 0 {
			continue
		}
		primary := hits[0]
		if len(hits) > 1 {
			primary.Clauses = hits
		}
		return primary, true
	}
	return SchemaChange{}, false
}

func fromDroppedObject(o DroppedObject, op Operation) (SchemaChange, bool) {
	sc := SchemaChange{Operation: op, Confidence: TriggerMetadata}

	switch op {
	case DropTable:
		sc.Schema, sc.Table = objectPath(o, 2)
		if sc.Table == "" {
			return sc, false
		}
		sc.Statement = "DROP TABLE " + sc.QualifiedTable()
	case DropIndex:
		schemaName, name := objectPath(o, 2)
		if name == "" {
			return sc, false
		}
		sc.Schema, sc.IndexName = schemaName, name
		sc.Statement = "DROP INDEX " + qualify(schemaName, name)
	case DropColumn, DropDefault:
		parts := columnPath(o)
		if len(parts) < 2 {
			return sc, false
		}
		sc.Column = parts[len(parts)-1]
		sc.Table = parts[len(parts)-2]
		if len(parts) > 2 {
			sc.Schema = parts[len(parts)-3]
		}
		if op == DropColumn {
			sc.Statement = fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", sc.QualifiedTable(), sc.Column)
		} else {
			sc.Statement = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", sc.QualifiedTable(), sc.Column)
		}
	case DropConstraint:
		name, table := constraintPath(o)
		if name == "" || table == "" {
			return sc, false
		}
		sc.ConstraintName = name
		sc.Schema, sc.Table = splitQualified(table)
		sc.Statement = fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", sc.QualifiedTable(), name)
	}
	return sc, true
}

// objectPath returns (schema, name) for a table or index object.
func objectPath(o DroppedObject, n int) (string, string) {
	if len(o.AddressNames) >= n {
		return o.AddressNames[len(o.AddressNames)-2], o.AddressNames[len(o.AddressNames)-1]
	}
	if o.ObjectIdentity != "" {
		return splitQualified(o.ObjectIdentity)
	}
	return o.SchemaName, o.ObjectName
}

// columnPath returns [schema,] table, column for column-level objects.
// Identities look like "public.transactions.currency" or, for defaults,
// "for public.transactions.currency".
func columnPath(o DroppedObject) []string {
	if len(o.AddressNames) >= 3 {
		return o.AddressNames
	}
	id := strings.TrimSpace(o.ObjectIdentity)
	id = strings.TrimPrefix(id, "for ")
	return strings.Split(unquote(id), ".")
}

// constraintPath handles identities of the form "fk_name on public.orders".
func constraintPath(o DroppedObject) (string, string) {
	if len(o.AddressNames) >= 3 {
		n := len(o.AddressNames)
		return o.AddressNames[n-1], qualify(o.AddressNames[n-3], o.AddressNames[n-2])
	}
	before, after, ok := strings.Cut(o.ObjectIdentity, " on ")
	if !ok {
		return "", ""
	}
	return unquote(before), unquote(after)
}

func qualify(schemaName, name string) string {
	if schemaName == "" {
		return name
	}
	return schemaName + "." + name
}

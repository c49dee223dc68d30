package mutation

import "fmt"

// ApplyFieldChanges is the pure function from spec §4.3: it returns a new
// object reflecting op's changes against obj, never mutating the input.
// Scalar Changes overwrite obj[field]; array-typed ArrayChanges locate
// entries by their identifier key (ArrayFieldKeys) and add/remove/update
// them in place within a copied slice.
func ApplyFieldChanges(obj map[string]interface{}, op Operation) (map[string]interface{}, error) {
	out := cloneObject(obj)

	for _, ch := range op.Changes {
		if ch.New == nil {
			delete(out, ch.Field)
			continue
		}
		out[ch.Field] = ch.New
	}

	byField := make(map[string][]ArrayChange)
	for _, ac := range op.ArrayChanges {
		byField[ac.Field] = append(byField[ac.Field], ac)
	}
	for field, changes := range byField {
		idKey, ok := ArrayFieldKeys[field]
		if !ok {
			return nil, fmt.Errorf("apply: unknown array field %q", field)
		}
		out[field] = applyArrayChanges(out[field], idKey, changes)
	}
	return out, nil
}

func applyArrayChanges(val interface{}, idKey string, changes []ArrayChange) []interface{} {
	entries := toEntryMap(val, idKey)
	order := entryOrder(val, idKey)

	for _, ch := range changes {
		switch ch.Op {
		case ArrayAdd:
			if _, exists := entries[ch.Key]; !exists {
				order = append(order, ch.Key)
			}
			entries[ch.Key] = ch.Value
		case ArrayUpdate:
			entries[ch.Key] = ch.Value
		case ArrayRemove:
			delete(entries, ch.Key)
			order = removeFromOrder(order, ch.Key)
		}
	}

	out := make([]interface{}, 0, len(order))
	for _, k := range order {
		if v, ok := entries[k]; ok {
			out = append(out, v)
		}
	}
	return out
}

func entryOrder(val interface{}, idKey string) []string {
	arr, ok := val.([]interface{})
	if !ok {
		return nil
	}
	order := make([]string, 0, len(arr))
	for _, item := range arr {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if key, _ := entry[idKey].(string); key != "" {
			order = append(order, key)
		}
	}
	return order
}

func removeFromOrder(order []string, key string) []string {
	out := order[:0:0]
	for _, k := range order {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}

func cloneObject(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// ApplyCreate returns a fresh object from a create operation's Data.
func ApplyCreate(op Operation) map[string]interface{} {
	return cloneObject(op.Data)
}

// Inverse returns the Operation that undoes op against the object it was
// computed from (oldObj), used by the round-trip property in spec §8:
// applying a diff then its inverse returns the original object.
func Inverse(op Operation) Operation {
	inv := Operation{Kind: OpUpdate}
	for _, ch := range op.Changes {
		inv.Changes = append(inv.Changes, FieldChange{Field: ch.Field, Old: ch.New, New: ch.Old})
	}
	for _, ac := range op.ArrayChanges {
		switch ac.Op {
		case ArrayAdd:
			inv.ArrayChanges = append(inv.ArrayChanges, ArrayChange{Field: ac.Field, Op: ArrayRemove, Key: ac.Key, Old: ac.Value})
		case ArrayRemove:
			inv.ArrayChanges = append(inv.ArrayChanges, ArrayChange{Field: ac.Field, Op: ArrayAdd, Key: ac.Key, Value: ac.Old})
		case ArrayUpdate:
			inv.ArrayChanges = append(inv.ArrayChanges, ArrayChange{Field: ac.Field, Op: ArrayUpdate, Key: ac.Key, Value: ac.Old, Old: ac.Value})
		}
	}
	return inv
}

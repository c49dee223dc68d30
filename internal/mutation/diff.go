package mutation

import (
	"encoding/json"
	"reflect"
)

// ArrayFieldKeys maps the three array-typed fields this protocol knows about
// to the identifier key used to locate an entry within them (spec §4.3).
var ArrayFieldKeys = map[string]string{
	"paidBy":  "personUuid",
	"paidFor": "personUuid",
	"devices": "deviceId",
}

// excludedFields are never diffed (server/client-managed bookkeeping).
var excludedFields = map[string]bool{
	"updatedAt": true,
}

// Diff walks the union of keys in oldObj/newObj and produces an Operation of
// kind update: scalar fields become FieldChange entries (compared by JSON
// deep-equality), array-typed fields listed in ArrayFieldKeys are compared
// by identifier key and emit add/remove/update ArrayChange entries.
// Unchanged fields are omitted entirely.
func Diff(oldObj, newObj map[string]interface{}) Operation {
	keys := unionKeys(oldObj, newObj)
	op := Operation{Kind: OpUpdate}

	for _, k := range keys {
		if excludedFields[k] {
			continue
		}
		if idKey, isArray := ArrayFieldKeys[k]; isArray {
			op.ArrayChanges = append(op.ArrayChanges, diffArrayField(k, idKey, oldObj[k], newObj[k])...)
			continue
		}
		oldV, hadOld := oldObj[k]
		newV, hadNew := newObj[k]
		if hadOld && !hadNew {
			op.Changes = append(op.Changes, FieldChange{Field: k, Old: oldV, New: nil})
			continue
		}
		if !hadOld && hadNew {
			op.Changes = append(op.Changes, FieldChange{Field: k, Old: nil, New: newV})
			continue
		}
		if !jsonDeepEqual(oldV, newV) {
			op.Changes = append(op.Changes, FieldChange{Field: k, Old: oldV, New: newV})
		}
	}
	return op
}

func unionKeys(a, b map[string]interface{}) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

func jsonDeepEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	var av, bv interface{}
	if json.Unmarshal(ab, &av) != nil || json.Unmarshal(bb, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func diffArrayField(field, idKey string, oldVal, newVal interface{}) []ArrayChange {
	oldEntries := toEntryMap(oldVal, idKey)
	newEntries := toEntryMap(newVal, idKey)

	var changes []ArrayChange
	for key, oldEntry := range oldEntries {
		newEntry, stillPresent := newEntries[key]
		if !stillPresent {
			changes = append(changes, ArrayChange{Field: field, Op: ArrayRemove, Key: key, Old: oldEntry})
			continue
		}
		if !jsonDeepEqual(oldEntry, newEntry) {
			changes = append(changes, ArrayChange{Field: field, Op: ArrayUpdate, Key: key, Value: newEntry, Old: oldEntry})
		}
	}
	for key, newEntry := range newEntries {
		if _, existed := oldEntries[key]; !existed {
			changes = append(changes, ArrayChange{Field: field, Op: ArrayAdd, Key: key, Value: newEntry})
		}
	}
	return changes
}

// toEntryMap normalizes an array-typed field value (a []interface{} of
// objects, each carrying idKey) into a map keyed by that identifier.
func toEntryMap(val interface{}, idKey string) map[string]interface{} {
	out := make(map[string]interface{})
	arr, ok := val.([]interface{})
	if !ok {
		return out
	}
	for _, item := range arr {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		key, _ := entry[idKey].(string)
		if key == "" {
			continue
		}
		out[key] = entry
	}
	return out
}

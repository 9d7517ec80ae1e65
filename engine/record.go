package engine

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	RecordKindRow  = "row"
	RecordKindMeta = "meta"

	metaKey = "__meta__"
)

// Record 持久化到后端的一条记录，键为 "<type>/<id>"，元信息的键为 "__meta__"
// 链接属性保存目标行 id，列表属性保存 []any
type Record struct {
	Kind          string         `json:"kind" msgpack:"kind" bson:"kind"`
	Type          string         `json:"type,omitempty" msgpack:"type,omitempty" bson:"type,omitempty"`
	ID            int64          `json:"id,omitempty" msgpack:"id,omitempty" bson:"id,omitempty"`
	Values        map[string]any `json:"values,omitempty" msgpack:"values,omitempty" bson:"values,omitempty"`
	SchemaVersion uint64         `json:"schemaVersion,omitempty" msgpack:"schemaVersion,omitempty" bson:"schemaVersion,omitempty"`
}

func recordKey(typeName string, id RowID) string {
	return typeName + "/" + strconv.FormatInt(int64(id), 10)
}

func parseRecordKey(key string) (string, RowID, error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return "", 0, errors.Errorf("invalid record key %q", key)
	}
	id, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid record key %q", key)
	}
	return key[:i], RowID(id), nil
}

func (r *Row) record() Record {
	values := make(map[string]any, len(r.values))
	for i, prop := range r.schema.Properties() {
		values[prop.Name] = r.values[i]
	}
	return Record{
		Kind:   RecordKindRow,
		Type:   r.schema.Name(),
		ID:     int64(r.id),
		Values: values,
	}
}

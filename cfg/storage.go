package cfg

import (
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Storage 解码后的层级配置数据
// 实现 ref.Convertable，TypeOptions.Options 中的子配置在构造时才转换为目标类型
type Storage struct {
	data any
}

func NewStorage(data any) *Storage {
	return &Storage{data: data}
}

func (s *Storage) Data() any {
	return s.data
}

// Sub 获取子配置，key 使用点号分隔多级
func (s *Storage) Sub(key string) *Storage {
	if key == "" {
		return s
	}
	current := s.data
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return NewStorage(nil)
		}
		current = lookup(m, part)
	}
	return NewStorage(current)
}

// ConvertTo 将配置转换为 object 指向的结构，随后设置默认值并校验
func (s *Storage) ConvertTo(object any) error {
	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("object must be a non-nil pointer")
	}
	if err := convertValue(s.data, rv.Elem()); err != nil {
		return err
	}
	if err := SetDefaults(object); err != nil {
		return err
	}
	return Validate(object)
}

func lookup(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func convertValue(src any, dst reflect.Value) error {
	if src == nil {
		return nil
	}
	if s, ok := src.(*Storage); ok {
		return convertValue(s.data, dst)
	}

	if dst.Kind() == reflect.Ptr {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return convertValue(src, dst.Elem())
	}

	// 空接口保留为 Storage，交给最终的构造函数转换
	if dst.Kind() == reflect.Interface && dst.Type().NumMethod() == 0 {
		switch src.(type) {
		case map[string]any, []any:
			dst.Set(reflect.ValueOf(NewStorage(src)))
		default:
			dst.Set(reflect.ValueOf(src))
		}
		return nil
	}

	srcValue := reflect.ValueOf(src)
	switch {
	case dst.Type() == durationType:
		return convertToDuration(srcValue, dst)
	case dst.Type() == timeType:
		return convertToTime(srcValue, dst)
	}

	switch dst.Kind() {
	case reflect.Struct:
		return convertToStruct(srcValue, dst)
	case reflect.Map:
		return convertToMap(srcValue, dst)
	case reflect.Slice:
		if srcValue.Kind() == reflect.String && dst.Type().Elem().Kind() != reflect.Uint8 {
			parts := strings.Split(srcValue.String(), ",")
			items := make([]any, len(parts))
			for i, p := range parts {
				items[i] = strings.TrimSpace(p)
			}
			srcValue = reflect.ValueOf(items)
		}
		return convertToSlice(srcValue, dst)
	}

	if srcValue.Kind() == reflect.String {
		return convertFromString(srcValue.String(), dst)
	}
	if srcValue.Type().AssignableTo(dst.Type()) {
		dst.Set(srcValue)
		return nil
	}
	if isNumberKind(srcValue.Kind()) && isNumberKind(dst.Kind()) {
		dst.Set(srcValue.Convert(dst.Type()))
		return nil
	}
	return errors.Errorf("cannot convert %v to %v", srcValue.Type(), dst.Type())
}

func isNumberKind(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Uint64) || k == reflect.Float32 || k == reflect.Float64
}

// convertFromString ini 和环境变量等来源的值都是字符串
func convertFromString(str string, dst reflect.Value) error {
	switch dst.Kind() {
	case reflect.String:
		dst.SetString(str)
		return nil
	case reflect.Interface:
		dst.Set(reflect.ValueOf(str))
		return nil
	}
	if err := setDefaultValue(dst, str); err != nil {
		return errors.WithMessagef(err, "cannot convert %q to %v", str, dst.Type())
	}
	return nil
}

func convertToDuration(src, dst reflect.Value) error {
	switch src.Kind() {
	case reflect.String:
		d, err := time.ParseDuration(src.String())
		if err != nil {
			return errors.Wrapf(err, "failed to parse duration %q", src.String())
		}
		dst.SetInt(int64(d))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		dst.SetInt(src.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		dst.SetInt(int64(src.Uint()))
	case reflect.Float32, reflect.Float64:
		// 浮点数视为秒
		dst.SetInt(int64(src.Float() * float64(time.Second)))
	default:
		return errors.Errorf("cannot convert %v to time.Duration", src.Type())
	}
	return nil
}

func convertToTime(src, dst reflect.Value) error {
	if t, ok := src.Interface().(time.Time); ok {
		dst.Set(reflect.ValueOf(t))
		return nil
	}
	if src.Kind() != reflect.String {
		return errors.Errorf("cannot convert %v to time.Time", src.Type())
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, src.String()); err == nil {
			dst.Set(reflect.ValueOf(t))
			return nil
		}
	}
	return errors.Errorf("failed to parse time %q", src.String())
}

func convertToMap(src, dst reflect.Value) error {
	if src.Kind() != reflect.Map {
		return errors.Errorf("cannot convert %v to %v", src.Type(), dst.Type())
	}
	if dst.IsNil() {
		dst.Set(reflect.MakeMap(dst.Type()))
	}
	for _, key := range src.MapKeys() {
		item := reflect.New(dst.Type().Elem()).Elem()
		if err := convertValue(src.MapIndex(key).Interface(), item); err != nil {
			return errors.WithMessagef(err, "key %v", key.Interface())
		}
		k := reflect.New(dst.Type().Key()).Elem()
		if err := convertValue(key.Interface(), k); err != nil {
			return err
		}
		dst.SetMapIndex(k, item)
	}
	return nil
}

func convertToSlice(src, dst reflect.Value) error {
	if src.Kind() != reflect.Slice && src.Kind() != reflect.Array {
		return errors.Errorf("cannot convert %v to %v", src.Type(), dst.Type())
	}
	slice := reflect.MakeSlice(dst.Type(), src.Len(), src.Len())
	for i := 0; i < src.Len(); i++ {
		if err := convertValue(src.Index(i).Interface(), slice.Index(i)); err != nil {
			return errors.WithMessagef(err, "index %d", i)
		}
	}
	dst.Set(slice)
	return nil
}

func convertToStruct(src, dst reflect.Value) error {
	if src.Kind() != reflect.Map {
		return errors.Errorf("cannot convert %v to %v", src.Type(), dst.Type())
	}
	m := make(map[string]any, src.Len())
	for _, key := range src.MapKeys() {
		m[key.String()] = src.MapIndex(key).Interface()
	}

	dstType := dst.Type()
	for i := 0; i < dstType.NumField(); i++ {
		field := dstType.Field(i)
		fieldValue := dst.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		name := field.Name
		if tag := field.Tag.Get("cfg"); tag != "" {
			if tag == "-" {
				continue
			}
			name = strings.Split(tag, ",")[0]
		}

		// 匿名嵌入结构体与父结构体共享同一层级
		if field.Anonymous && field.Tag.Get("cfg") == "" && fieldValue.Kind() == reflect.Struct {
			if err := convertToStruct(src, fieldValue); err != nil {
				return err
			}
			continue
		}

		value := lookup(m, name)
		if value == nil {
			continue
		}
		if err := convertValue(value, fieldValue); err != nil {
			return errors.WithMessagef(err, "field %s", name)
		}
	}
	return nil
}

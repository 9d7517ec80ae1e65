package ref

import (
	"fmt"
	"reflect"
	"sync"
)

// TypeOptions 描述一个可通过注册表构造的对象
// Namespace 为空时使用注册表的默认命名空间
type TypeOptions struct {
	Namespace string `cfg:"namespace"`
	Type      string `cfg:"type"`
	Options   any    `cfg:"options"`
}

// Convertable 可转换为构造函数参数类型的配置数据
// cfg.Storage 实现了该接口，构造时会被转换为构造函数期望的 options 类型
type Convertable interface {
	ConvertTo(object any) error
}

type constructor struct {
	originalFunc any
	newFunc      reflect.Value
	hasOptions   bool
	returnsError bool
}

var errorInterface = reflect.TypeOf((*error)(nil)).Elem()

func newConstructor(newFunc any) (*constructor, error) {
	funcValue := reflect.ValueOf(newFunc)
	if funcValue.Kind() != reflect.Func {
		return nil, fmt.Errorf("newFunc must be a function")
	}

	funcType := funcValue.Type()
	if funcType.NumIn() > 1 {
		return nil, fmt.Errorf("newFunc must have 0 or 1 input parameters, got %d", funcType.NumIn())
	}
	if funcType.NumOut() != 1 && funcType.NumOut() != 2 {
		return nil, fmt.Errorf("newFunc must have 1 or 2 return values, got %d", funcType.NumOut())
	}
	if funcType.NumOut() == 2 && !funcType.Out(1).Implements(errorInterface) {
		return nil, fmt.Errorf("second return value must be error type")
	}

	return &constructor{
		originalFunc: newFunc,
		newFunc:      funcValue,
		hasOptions:   funcType.NumIn() == 1,
		returnsError: funcType.NumOut() == 2,
	}, nil
}

func (c *constructor) new(options any) (any, error) {
	var args []reflect.Value
	if c.hasOptions {
		arg, err := c.prepareOptions(options)
		if err != nil {
			return nil, err
		}
		args = []reflect.Value{arg}
	}

	results := c.newFunc.Call(args)
	if c.returnsError && !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}

// prepareOptions 将 options 转换为构造函数的参数
// nil 时传入参数类型的零值（指针类型为新分配的空结构体）
func (c *constructor) prepareOptions(options any) (reflect.Value, error) {
	paramType := c.newFunc.Type().In(0)

	if options == nil {
		if paramType.Kind() == reflect.Ptr {
			return reflect.New(paramType.Elem()), nil
		}
		return reflect.Zero(paramType), nil
	}

	if convertable, ok := options.(Convertable); ok {
		if paramType.Kind() == reflect.Ptr {
			target := reflect.New(paramType.Elem())
			if err := convertable.ConvertTo(target.Interface()); err != nil {
				return reflect.Value{}, fmt.Errorf("failed to convert options to %v: %w", paramType, err)
			}
			return target, nil
		}
		target := reflect.New(paramType)
		if err := convertable.ConvertTo(target.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("failed to convert options to %v: %w", paramType, err)
		}
		return target.Elem(), nil
	}

	value := reflect.ValueOf(options)
	if value.Type().AssignableTo(paramType) {
		return value, nil
	}
	// 允许传入值类型而构造函数需要指针
	if paramType.Kind() == reflect.Ptr && value.Type().AssignableTo(paramType.Elem()) {
		ptr := reflect.New(paramType.Elem())
		ptr.Elem().Set(value)
		return ptr, nil
	}
	return reflect.Value{}, fmt.Errorf("options type %v is not assignable to %v", value.Type(), paramType)
}

// Registry 构造函数注册表
type Registry struct {
	namespace    string
	constructors sync.Map
}

// NewRegistry 创建一个独立的注册表，namespace 为 TypeOptions.Namespace 为空时使用的默认值
func NewRegistry(namespace string) *Registry {
	return &Registry{namespace: namespace}
}

func (r *Registry) key(namespace string, type_ string) string {
	if namespace == "" {
		namespace = r.namespace
	}
	return namespace + ":" + type_
}

func (r *Registry) Register(namespace string, type_ string, newFunc any) error {
	key := r.key(namespace, type_)

	if existing, ok := r.constructors.Load(key); ok {
		if isSameFunc(existing.(*constructor).originalFunc, newFunc) {
			return nil
		}
		return fmt.Errorf("constructor for %s already registered with different function", key)
	}

	c, err := newConstructor(newFunc)
	if err != nil {
		return fmt.Errorf("failed to create constructor: %w", err)
	}
	r.constructors.Store(key, c)
	return nil
}

func (r *Registry) MustRegister(namespace string, type_ string, newFunc any) {
	if err := r.Register(namespace, type_, newFunc); err != nil {
		panic(err)
	}
}

func (r *Registry) New(namespace string, type_ string, options any) (any, error) {
	key := r.key(namespace, type_)
	value, ok := r.constructors.Load(key)
	if !ok {
		return nil, fmt.Errorf("constructor not found for %s", key)
	}
	return value.(*constructor).new(options)
}

func (r *Registry) NewWithOptions(options *TypeOptions) (any, error) {
	if options == nil {
		return nil, fmt.Errorf("type options is nil")
	}
	return r.New(options.Namespace, options.Type, options.Options)
}

func isSameFunc(func1, func2 any) bool {
	if func1 == nil || func2 == nil {
		return func1 == func2
	}
	return reflect.ValueOf(func1).Pointer() == reflect.ValueOf(func2).Pointer()
}

var defaultRegistry = NewRegistry("")

func Register(namespace string, type_ string, newFunc any) error {
	return defaultRegistry.Register(namespace, type_, newFunc)
}

func MustRegister(namespace string, type_ string, newFunc any) {
	defaultRegistry.MustRegister(namespace, type_, newFunc)
}

// RegisterT 以 T 的包路径和类型名注册构造函数
func RegisterT[T any](newFunc any) error {
	namespace, typeName, err := typeKey[T]()
	if err != nil {
		return err
	}
	return Register(namespace, typeName, newFunc)
}

func MustRegisterT[T any](newFunc any) {
	if err := RegisterT[T](newFunc); err != nil {
		panic(err)
	}
}

func New(namespace string, type_ string, options any) (any, error) {
	return defaultRegistry.New(namespace, type_, options)
}

func NewWithOptions(options *TypeOptions) (any, error) {
	return defaultRegistry.NewWithOptions(options)
}

// NewT 以 T 的包路径和类型名查找构造函数并构造
func NewT[T any](options any) (T, error) {
	var t T
	namespace, typeName, err := typeKey[T]()
	if err != nil {
		return t, err
	}

	obj, err := New(namespace, typeName, options)
	if err != nil {
		return t, err
	}
	result, ok := obj.(T)
	if !ok {
		return t, fmt.Errorf("created object is not of type %T", t)
	}
	return result, nil
}

func typeKey[T any]() (string, string, error) {
	tType := reflect.TypeOf((*T)(nil)).Elem()
	for tType.Kind() == reflect.Ptr {
		tType = tType.Elem()
	}
	if tType.PkgPath() == "" || tType.Name() == "" {
		return "", "", fmt.Errorf("cannot determine package path or type name for type %v", tType)
	}
	return tType.PkgPath(), tType.Name(), nil
}
